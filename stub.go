package main

import "github.com/buwryme/feron/kernel/kmain"

var multibootInfoPtr, kernelStartAddr, kernelEndAddr uintptr

// main makes a dummy call to the actual kernel entry point. It exists to
// give the linker a main package to build a binary from; the boot
// assembly never calls it, it calls kmain.Kmain directly after setting
// up the initial stack and g0. The package-level variables are passed as
// arguments so the compiler cannot inline the call away and drop the
// kernel code from the generated object file.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStartAddr, kernelEndAddr)
}
