package blob

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		cfg    Config
		want   Driver
		nilOK  bool
		errors bool
	}{
		{name: "empty", cfg: Config{}, nilOK: true},
		{name: "none", cfg: Config{Driver: DriverNone}, nilOK: true},
		{name: "fs", cfg: Config{Driver: DriverFilesystem, FSRoot: t.TempDir()}, want: DriverFilesystem},
		{name: "memory", cfg: Config{Driver: DriverMemory}, want: DriverMemory},
		{name: "s3", cfg: Config{Driver: DriverS3, S3: S3Config{Bucket: "b", AccessKeyID: "AKIA", SecretAccessKey: "SECRET"}}, want: DriverS3},
		{name: "s3 without bucket", cfg: Config{Driver: DriverS3}, errors: true},
		{name: "unknown", cfg: Config{Driver: "ftp"}, errors: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := Open(ctx, tc.cfg)
			if tc.errors {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if tc.nilOK {
				if store != nil {
					t.Fatalf("expected nil store, got %T", store)
				}
				return
			}
			if store.Driver() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, store.Driver())
			}
		})
	}
}

func TestStoresShareWriteOnceContract(t *testing.T) {
	ctx := context.Background()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}
	for _, store := range []Store{NewMemory(), fsStore, NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			if _, err := store.Put(ctx, "raw/k.astm", bytes.NewReader([]byte("P|1\r")), PutOptions{}); err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := store.Put(ctx, "raw/k.astm", bytes.NewReader([]byte("P|2\r")), PutOptions{}); !errors.Is(err, ErrExists) {
				t.Fatalf("expected ErrExists, got %v", err)
			}
			if _, err := store.Head(ctx, "raw/missing.astm"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}
