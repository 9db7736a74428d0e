//go:build !linux

package vm

import (
	"fmt"
	"io"
)

func EnsureFirecracker(_ *Paths, _ io.Writer) error {
	return fmt.Errorf("the fchv backend requires Linux")
}

func EnsureKernel(_ *Paths, _ io.Writer) error {
	return fmt.Errorf("the fchv backend requires Linux")
}
