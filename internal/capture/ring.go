package capture

// Ring - очередь фиксированной емкости; при переполнении вытесняется самый старый элемент.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing создает кольцевой буфер емкостью capacity (0 - буфер ничего не хранит).
func NewRing[T any](capacity int) *Ring[T] {
	return &Ring[T]{items: make([]T, max(capacity, 0))}
}

// Push добавляет элемент в конец.
func (r *Ring[T]) Push(v T) {
	if len(r.items) == 0 {
		return
	}
	tail := (r.head + r.size) % len(r.items)
	r.items[tail] = v
	if r.size < len(r.items) {
		r.size++
		return
	}
	r.head = (r.head + 1) % len(r.items)
}

// Items возвращает содержимое от старого к новому.
func (r *Ring[T]) Items() []T {
	out := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.items[(r.head+i)%len(r.items)])
	}
	return out
}

func (r *Ring[T]) Len() int { return r.size }
func (r *Ring[T]) Cap() int { return len(r.items) }

// Clear удаляет все элементы, сохраняя емкость.
func (r *Ring[T]) Clear() {
	clear(r.items)
	r.head, r.size = 0, 0
}

// Resize меняет емкость, сохраняя самые новые элементы.
func (r *Ring[T]) Resize(capacity int) {
	if capacity == len(r.items) {
		return
	}
	items := r.Items()
	r.items = make([]T, max(capacity, 0))
	r.head, r.size = 0, 0
	for _, v := range items {
		r.Push(v)
	}
}
