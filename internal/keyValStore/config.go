package keyValStore

import (
	"errors"
	"fmt"
	"os"
)

func (sc *StoreConfig) checkConfig() error {
	if n := len(sc.EncryptionKey); n != 0 && n != 16 && n != 24 && n != 32 {
		return fmt.Errorf("encryption key must be 16, 24 or 32 bytes, got %d", n)
	}

	if sc.InMemory {
		return nil
	}

	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0] // Currently only the first path is utilized
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	if sc.MinimumFreeSpace <= 0 {
		return nil
	}
	available, err := freeSpaceGB(path)
	if err != nil {
		return err
	}
	if int(available) < sc.MinimumFreeSpace {
		return errors.New("not enough space available on disk")
	}

	return nil
}
