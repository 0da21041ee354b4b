package vmm

import "github.com/buwryme/feron/kernel/mem"

// Page represents a page-aligned virtual memory page number.
type Page uintptr

// Address returns the virtual address that corresponds to this page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns the Page that contains the given virtual address.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}
