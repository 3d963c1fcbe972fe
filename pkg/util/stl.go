package util

func Back[T any](data []T) T {
	l := len(data)
	if l == 0 {
		panic("empty slice")
	}
	return data[l-1]
}

func Size[T any](data []T) int {
	return len(data)
}

func Pop[T any](a []T) []T {
	if len(a) > 0 {
		var zero T
		a[len(a)-1] = zero
		return a[:len(a)-1]
	}
	return a
}

func CopyTo[T any](src []T) []T {
	dst := make([]T, len(src))
	copy(dst, src)
	return dst
}

// EraseFront drops the first n elements, keeping the order of the rest.
func EraseFront[T any](a []T, n int) []T {
	if n <= 0 {
		return a
	}
	if n >= len(a) {
		return a[:0]
	}
	copy(a, a[n:])
	var zero T
	for i := len(a) - n; i < len(a); i++ {
		a[i] = zero
	}
	return a[:len(a)-n]
}

// Resize keeps the first n elements. Growing pads with zero values.
func Resize[T any](a []T, n int) []T {
	if n <= len(a) {
		var zero T
		for i := n; i < len(a); i++ {
			a[i] = zero
		}
		return a[:n]
	}
	for len(a) < n {
		var zero T
		a = append(a, zero)
	}
	return a
}

// Replicate repeats a[i] counts[i] times, in order.
func Replicate[T any](a []T, counts []uint32) []T {
	total := 0
	for _, c := range counts {
		total += int(c)
	}
	ret := make([]T, 0, total)
	for i, c := range counts {
		for j := uint32(0); j < c; j++ {
			ret = append(ret, a[i])
		}
	}
	return ret
}

// Select keeps a[i] where keep[i] is true.
func Select[T any](a []T, keep []bool) []T {
	ret := make([]T, 0, len(a))
	for i, k := range keep {
		if k {
			ret = append(ret, a[i])
		}
	}
	return ret
}
