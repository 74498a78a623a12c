package utils

import (
	"fmt"
	"os"
	"strconv"

	"github.com/voidshard/b1k/pkg/errors"
)

// AcquireLock creates the lock file at path, holding our pid.
//
// The lock is presence based: if the file exists, the lock is held. It is not
// reentrant and a lock left behind by a killed process must be removed by hand.
func AcquireLock(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if os.IsExist(err) {
		return fmt.Errorf("%w: file %s exists", errors.ErrLocked, path)
	} else if err != nil {
		return err
	}
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
	}
	return err
}

// ReleaseLock removes the lock file at path.
func ReleaseLock(path string) error {
	return os.Remove(path)
}
