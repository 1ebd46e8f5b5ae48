// Package list implements a generic intrusive doubly-linked list keyed by a
// caller-supplied uint64. It is used by the frame-tracking ledger in
// kernel/mem/pmm and by the run queue in kernel/sched.
package list

import (
	"unsafe"

	"ringcore/kernel/heap"
)

// Node is one element of a List. Keys are unique within a single List; the
// zero value is not a usable node and is never returned by List methods.
type Node[T any] struct {
	prev, next *Node[T]
	key        uint64

	// Value is the caller-supplied payload carried by this node.
	Value T
}

// List is a doubly-linked list of Node[T] values. The zero value is an
// empty, ready to use list.
type List[T any] struct {
	head, tail *Node[T]
	count      int

	// offHeap, when set, makes the list obtain node storage from
	// kernel/heap instead of Go's own allocator.
	offHeap bool
}

// New allocates and returns an empty list whose nodes come from the Go
// runtime's allocator.
func New[T any]() *List[T] {
	return &List[T]{}
}

// NewOffHeap returns an empty list whose nodes — and the List header
// itself — are allocated from kernel/heap rather than the Go runtime.
// Code that must build a list before goruntime.Init has run — most
// notably kernel/mem/pmm's frame-tracking ledger — uses this instead of
// New, since `new` and `&List{}` both reach runtime.newobject.
func NewOffHeap[T any]() *List[T] {
	l := (*List[T])(unsafe.Pointer(heap.Alloc(unsafe.Sizeof(List[T]{}))))
	*l = List[T]{offHeap: true}
	return l
}

func (l *List[T]) newNode(key uint64, value T) *Node[T] {
	if !l.offHeap {
		return &Node[T]{key: key, Value: value}
	}

	addr := heap.Alloc(unsafe.Sizeof(Node[T]{}))
	n := (*Node[T])(unsafe.Pointer(addr))
	n.prev, n.next, n.key, n.Value = nil, nil, key, value
	return n
}

func (l *List[T]) freeNode(n *Node[T]) {
	if l.offHeap {
		heap.Free(uintptr(unsafe.Pointer(n)))
	}
}

// Len returns the number of nodes currently in the list.
func (l *List[T]) Len() int {
	return l.count
}

// Front returns the first node in the list or nil if the list is empty.
func (l *List[T]) Front() *Node[T] {
	return l.head
}

// Back returns the last node in the list or nil if the list is empty.
func (l *List[T]) Back() *Node[T] {
	return l.tail
}

// PushBack appends a new node carrying value, keyed by key, to the tail of
// the list and returns it.
func (l *List[T]) PushBack(key uint64, value T) *Node[T] {
	n := l.newNode(key, value)

	if l.tail == nil {
		l.head, l.tail = n, n
	} else {
		n.prev = l.tail
		l.tail.next = n
		l.tail = n
	}

	l.count++
	return n
}

// PushFront prepends a new node carrying value, keyed by key, to the head of
// the list and returns it.
func (l *List[T]) PushFront(key uint64, value T) *Node[T] {
	n := l.newNode(key, value)

	if l.head == nil {
		l.head, l.tail = n, n
	} else {
		n.next = l.head
		l.head.prev = n
		l.head = n
	}

	l.count++
	return n
}

// Find returns the node keyed by key or nil if no such node exists. Lookup
// is O(n); callers needing O(1) lookups must keep their own index.
func (l *List[T]) Find(key uint64) *Node[T] {
	for n := l.head; n != nil; n = n.next {
		if n.key == key {
			return n
		}
	}

	return nil
}

// Remove detaches the node keyed by key from the list and returns its
// value. The second return value reports whether a node with that key was
// present.
func (l *List[T]) Remove(key uint64) (T, bool) {
	n := l.Find(key)
	if n == nil {
		var zero T
		return zero, false
	}

	l.detach(n)
	value := n.Value
	l.freeNode(n)
	return value, true
}

// MoveToBack detaches n from its current position and re-appends it at the
// tail, without allocating a new node. n must already belong to this list.
func (l *List[T]) MoveToBack(n *Node[T]) {
	if n == l.tail {
		return
	}

	l.detach(n)
	n.prev, n.next = l.tail, nil
	if l.tail == nil {
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	l.count++
}

func (l *List[T]) detach(n *Node[T]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}

	n.prev, n.next = nil, nil
	l.count--
}
