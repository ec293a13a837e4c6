// Package ringbuf реализует кольцевой буфер PCM кадров с одним писателем
// и одним читателем.
//
// Все методы, кроме Lock/Unlock, Capacity, FrameSize и Kick, вызываются
// под блокировкой буфера. Вызывающий сам проверяет счетчики перед
// AdvanceWrite/AdvanceRead.
package ringbuf

import (
	"fmt"
	"sync"
	"time"
)

// Buffer кольцевой буфер кадров фиксированного размера
type Buffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	data      []byte
	frameSize int
	capacity  int

	write int
	read  int
	ready int
	epoch uint64
}

// New создает буфер на capacity кадров по frameSize байт
func New(capacity, frameSize int) *Buffer {
	if capacity <= 0 || frameSize <= 0 {
		panic(fmt.Sprintf("ringbuf: некорректный размер %d x %d", capacity, frameSize))
	}
	b := &Buffer{
		data:      make([]byte, capacity*frameSize),
		frameSize: frameSize,
		capacity:  capacity,
	}
	b.notEmpty = sync.NewCond(&b.mu)
	b.notFull = sync.NewCond(&b.mu)
	return b
}

// Lock захватывает блокировку буфера
func (b *Buffer) Lock() { b.mu.Lock() }

// Unlock освобождает блокировку буфера
func (b *Buffer) Unlock() { b.mu.Unlock() }

// Capacity емкость в кадрах
func (b *Buffer) Capacity() int { return b.capacity }

// FrameSize размер кадра в байтах
func (b *Buffer) FrameSize() int { return b.frameSize }

// Filled количество кадров, готовых к чтению
func (b *Buffer) Filled() int { return b.ready }

// Free количество свободных кадров
func (b *Buffer) Free() int { return b.capacity - b.ready }

// Available свободные кадры подряд до конца буфера
func (b *Buffer) Available() int {
	free := b.capacity - b.ready
	if tail := b.capacity - b.write; tail < free {
		return tail
	}
	return free
}

// Ready готовые кадры подряд до конца буфера
func (b *Buffer) Ready() int {
	if tail := b.capacity - b.read; tail < b.ready {
		return tail
	}
	return b.ready
}

// WritableSlice область для записи n кадров (n <= Available)
func (b *Buffer) WritableSlice(n int) []byte {
	if n < 0 || n > b.Available() {
		panic(fmt.Sprintf("ringbuf: запись %d кадров, доступно %d", n, b.Available()))
	}
	start := b.write * b.frameSize
	return b.data[start : start+n*b.frameSize]
}

// ReadableSlice область с n готовыми кадрами (n <= Ready)
func (b *Buffer) ReadableSlice(n int) []byte {
	if n < 0 || n > b.Ready() {
		panic(fmt.Sprintf("ringbuf: чтение %d кадров, готово %d", n, b.Ready()))
	}
	start := b.read * b.frameSize
	return b.data[start : start+n*b.frameSize]
}

// AdvanceWrite публикует n записанных кадров и будит читателя
func (b *Buffer) AdvanceWrite(n int) {
	if n < 0 || n > b.Available() {
		panic(fmt.Sprintf("ringbuf: AdvanceWrite(%d), доступно %d", n, b.Available()))
	}
	b.write = (b.write + n) % b.capacity
	b.ready += n
	b.notEmpty.Broadcast()
}

// AdvanceRead освобождает n прочитанных кадров и будит писателя
func (b *Buffer) AdvanceRead(n int) {
	if n < 0 || n > b.Ready() {
		panic(fmt.Sprintf("ringbuf: AdvanceRead(%d), готово %d", n, b.Ready()))
	}
	b.read = (b.read + n) % b.capacity
	b.ready -= n
	b.notFull.Broadcast()
}

// Reset опустошает буфер. Epoch увеличивается, чтобы читатель,
// державший срез во время Reset, не сдвинул индексы нового содержимого.
func (b *Buffer) Reset() {
	b.write = 0
	b.read = 0
	b.ready = 0
	b.epoch++
	b.notFull.Broadcast()
}

// Epoch номер опустошения
func (b *Buffer) Epoch() uint64 { return b.epoch }

// WaitNotEmpty ждет появления данных или Kick
func (b *Buffer) WaitNotEmpty() {
	b.notEmpty.Wait()
}

// WaitNotFull ждет освобождения места не дольше timeout.
// false означает таймаут.
func (b *Buffer) WaitNotFull(timeout time.Duration) bool {
	return WaitTimeout(b.notFull, timeout)
}

// Kick будит всех ожидающих (standby, закрытие)
func (b *Buffer) Kick() {
	b.mu.Lock()
	b.Broadcast()
	b.mu.Unlock()
}

// Broadcast то же, что Kick, под уже захваченной блокировкой
func (b *Buffer) Broadcast() {
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
}

// WaitTimeout ждет сигнала условия не дольше d.
// Вызывается под блокировкой c.L. false означает таймаут.
func WaitTimeout(c *sync.Cond, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	var fired bool
	timer := time.AfterFunc(d, func() {
		c.L.Lock()
		fired = true
		c.Broadcast()
		c.L.Unlock()
	})
	c.Wait()
	stopped := timer.Stop()
	return stopped || !fired
}
