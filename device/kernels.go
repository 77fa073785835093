package device

import "fmt"

// Pack gathers src[indices[i]] into dst[offset+i] for
// every i.
func Pack[T any](src *Buffer[T], indices []int, dst *Buffer[T], offset int) {
	checkKernel(src, dst)
	dst.checkRange(offset, len(indices))
	checkIndices(indices, src.Len())
	from, to := src.data, dst.data[offset:]
	src.dev.Launch(len(indices), func(i int) {
		to[i] = from[indices[i]]
	})
}

// UnpackOverwrite scatters src[offset+i] into
// dst[indices[i]] for every i.
func UnpackOverwrite[T any](src *Buffer[T], offset int, indices []int, dst *Buffer[T]) {
	checkKernel(src, dst)
	src.checkRange(offset, len(indices))
	checkIndices(indices, dst.Len())
	from, to := src.data[offset:], dst.data
	src.dev.Launch(len(indices), func(i int) {
		to[indices[i]] = from[i]
	})
}

// UnpackAccumulate sets dst[indices[i]] to
// op(dst[indices[i]], src[offset+i]) for every i.
//
// Updates to a destination element are serialized, so
// indices repeated within or across concurrent kernels
// accumulate correctly.
func UnpackAccumulate[T any](src *Buffer[T], offset int, indices []int, dst *Buffer[T],
	op func(a, b T) T) {
	checkKernel(src, dst)
	src.checkRange(offset, len(indices))
	checkIndices(indices, dst.Len())
	dev := src.dev
	from, to := src.data[offset:], dst.data
	dev.Launch(len(indices), func(i int) {
		idx := indices[i]
		lock := dev.stripe(idx)
		lock.Lock()
		to[idx] = op(to[idx], from[i])
		lock.Unlock()
	})
}

func checkKernel[T any](src, dst *Buffer[T]) {
	if src.freed || dst.freed {
		panic("device: use of freed buffer")
	}
	if src.dev != dst.dev {
		panic("device: kernel arguments live on different devices")
	}
}

func checkIndices(indices []int, n int) {
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			panic(fmt.Sprintf("device: index %d out of bounds for buffer of %d", idx, n))
		}
	}
}
