package drm

// CreateDumbBuffer allocates a kernel dumb buffer on fd.
func CreateDumbBuffer(fd int, width, height, bpp uint32) (handle, pitch uint32, size uint64, err error) {
	dumb, err := createDumb(fd, width, height, bpp)
	if err != nil {
		return 0, 0, 0, err
	}
	return dumb.Handle, dumb.Pitch, dumb.Size, nil
}

// DestroyDumbBuffer releases a dumb buffer handle.
func DestroyDumbBuffer(fd int, handle uint32) error {
	return destroyDumb(fd, handle)
}

// ExportPrimeFD exports a GEM handle as a dmabuf file descriptor.
func ExportPrimeFD(fd int, handle uint32) (int, error) {
	return primeHandleToFd(fd, handle)
}
