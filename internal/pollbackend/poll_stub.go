//go:build !unix

package pollbackend

func newPollGeneric() (Backend, error) {
	return nil, ErrUnsupportedBackend
}
