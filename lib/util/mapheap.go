package util

import (
	"container/heap"
	"strconv"
)

// item is a single entry of the heap, identified and ordered by its key
type item[V any] struct {
	Key   int64 // Unique identifier and priority of the item
	Value V
	index int // Index in the heap, maintained by heap package
}

func (i *item[V]) String() string {
	return "{Key: " + strconv.FormatInt(i.Key, 10) + "}"
}

// MapHeap is a min-heap ordered by key with O(1) access by key.
// Each key is stored at most once. It is not thread-safe.
type MapHeap[V any] struct {
	items    []*item[V]         // The actual heap slice
	itemsMap map[int64]*item[V] // Map for O(1) access by key
}

// NewMapHeap creates a new, empty heap
func NewMapHeap[V any]() *MapHeap[V] {
	return &MapHeap[V]{
		items:    make([]*item[V], 0),
		itemsMap: make(map[int64]*item[V]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

// Len returns the number of items in the heap
func (h *MapHeap[V]) Len() int { return len(h.items) }

// Less orders items by key (min-heap)
func (h *MapHeap[V]) Less(i, j int) bool {
	return h.items[i].Key < h.items[j].Key
}

// Swap exchanges items at positions i and j
func (h *MapHeap[V]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push adds an item to the heap, use AddItem instead
func (h *MapHeap[V]) Push(x any) {
	it := x.(*item[V])
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.itemsMap[it.Key] = it
}

// Pop removes the last item of the backing slice, use PopMin instead
func (h *MapHeap[V]) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // Avoid memory leak
	it.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Key based access
// --------------------------------------------------------------------------

// AddItem inserts value under key. If the key is already present the
// heap is left unchanged and false is returned.
func (h *MapHeap[V]) AddItem(key int64, value V) bool {
	if _, exists := h.itemsMap[key]; exists {
		return false
	}
	heap.Push(h, &item[V]{Key: key, Value: value})
	return true
}

// Peek returns the item with the smallest key without removing it
func (h *MapHeap[V]) Peek() (key int64, value V, ok bool) {
	if len(h.items) == 0 {
		return 0, value, false
	}
	return h.items[0].Key, h.items[0].Value, true
}

// PopMin removes and returns the item with the smallest key
func (h *MapHeap[V]) PopMin() (key int64, value V, ok bool) {
	if len(h.items) == 0 {
		return 0, value, false
	}
	it := heap.Pop(h).(*item[V])
	return it.Key, it.Value, true
}

// RemoveByKey removes an item by its key
func (h *MapHeap[V]) RemoveByKey(key int64) (value V, ok bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return value, false
	}
	heap.Remove(h, it.index)
	return it.Value, true
}

// Contains checks if a key exists in the heap
func (h *MapHeap[V]) Contains(key int64) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// GetByKey retrieves a value by its key without removing it
func (h *MapHeap[V]) GetByKey(key int64) (value V, ok bool) {
	it, exists := h.itemsMap[key]
	if !exists {
		return value, false
	}
	return it.Value, true
}
