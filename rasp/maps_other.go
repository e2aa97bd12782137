//go:build !((aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris) && !js)

package rasp

func mappedPaths(string, int) ([]string, error) {
	return nil, ErrUnsupported
}
