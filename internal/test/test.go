package test

import (
	crypto_rand "crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/burrow-im/go-burrow/config"
	db "github.com/burrow-im/go-burrow/internal/db"
	"github.com/burrow-im/go-burrow/internal/schema"
)

// every test database uses the same fixed key; the cipher layer is exercised,
// the key derivation is not
var testDatabaseKey = []byte{
	0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31,
}

func randomSuffix() string {
	b := make([]byte, 8)
	if _, err := io.ReadFull(crypto_rand.Reader, b); err != nil {
		panic("short read from random source")
	}
	return hex.EncodeToString(b)
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("test-*")
}

// NewTestDatabase initializes and opens a throwaway encrypted database in the
// working directory. Files are swept by DBCleanup after the package run.
func NewTestDatabase(c *config.Config) *db.Database {
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%s", randomSuffix()))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testDatabaseKey); err != nil {
		panic(err)
	}
	if err := d.Open(testDatabaseKey); err != nil {
		panic(err)
	}
	return d
}

// NewMigratedDatabase is NewTestDatabase with the application schema applied.
func NewMigratedDatabase(c *config.Config) *db.Database {
	d := NewTestDatabase(c)
	if err := schema.Apply(d); err != nil {
		panic(err)
	}
	return d
}
