package utils

import "sync"

// RingBuffer 是一个固定大小的环形缓冲区，支持泛型
// 当缓冲区满时，新元素会覆盖最旧的元素
type RingBuffer[T any] struct {
	data  []T
	head  int // 指向最旧元素的位置
	tail  int // 指向下一个写入位置
	count int // 当前元素数量
	cap   int // 缓冲区容量
	mu    sync.RWMutex
}

// NewRingBuffer 创建一个新的环形缓冲区
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = 64 // 默认容量
	}
	return &RingBuffer[T]{
		data: make([]T, capacity),
		cap:  capacity,
	}
}

// Push 向缓冲区添加一个元素
// 如果缓冲区已满，最旧的元素会被覆盖
func (rb *RingBuffer[T]) Push(item T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.cap

	if rb.count < rb.cap {
		rb.count++
	} else {
		// 缓冲区已满，head 跟着移动
		rb.head = (rb.head + 1) % rb.cap
	}
}

// Len 返回缓冲区中的元素数量
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Cap 返回缓冲区容量
func (rb *RingBuffer[T]) Cap() int {
	return rb.cap
}

// Latest 查看最新的元素但不移除
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var zero T
	if rb.count == 0 {
		return zero, false
	}

	// 最新元素在 tail 前一个位置
	idx := (rb.tail - 1 + rb.cap) % rb.cap
	return rb.data[idx], true
}

// NewestFirst 获取最后 n 个元素，从新到旧排序
// n 超出元素数量时返回全部
func (rb *RingBuffer[T]) NewestFirst(n int) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 || n <= 0 {
		return nil
	}

	if n > rb.count {
		n = rb.count
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		idx := (rb.tail - 1 - i + rb.cap*2) % rb.cap
		result[i] = rb.data[idx]
	}
	return result
}
