// Copyright 2026 The Keepsake Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"archive/tar"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/keepsake-foundation/keepsake/lib/sealed"
	"github.com/keepsake-foundation/keepsake/lib/secret"
)

// Extension is the file extension of Keepsake bundles.
const Extension = ".ksb"

// Name returns the object name for a bundle of the given job taken at
// the given time: <job>-<UTC timestamp>.ksb. Timestamps sort
// lexically, so name order is creation order.
func Name(jobName string, at time.Time) string {
	return fmt.Sprintf("%s-%s%s", jobName, at.UTC().Format("20060102T150405Z"), Extension)
}

// Result describes a produced bundle.
type Result struct {
	// SizeBytes is the size of the encrypted bundle as written.
	SizeBytes int64

	// Checksum is the hex BLAKE3 hash of the encrypted bytes.
	Checksum string
}

// Create archives sourceDir, compresses, and writes the bundle to
// output. With recipient keys the compressed stream is encrypted to
// them; with none the bundle is a plain zstd tar. Symlinks are stored
// as links; other non-regular files are skipped.
func Create(ctx context.Context, sourceDir string, output io.Writer, recipientKeys []string) (*Result, error) {
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := sealed.NewRecipient(key)
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}
		recipients = append(recipients, recipient)
	}

	hasher := blake3.New()
	counter := &countingWriter{writer: io.MultiWriter(output, hasher)}

	var payload io.Writer = counter
	var encrypter io.WriteCloser
	if len(recipients) > 0 {
		var err error
		encrypter, err = age.Encrypt(counter, recipients...)
		if err != nil {
			return nil, fmt.Errorf("bundle: starting encryption: %w", err)
		}
		payload = encrypter
	}
	compressor, err := zstd.NewWriter(payload)
	if err != nil {
		return nil, fmt.Errorf("bundle: starting compression: %w", err)
	}
	archive := tar.NewWriter(compressor)

	if err := writeTree(ctx, archive, sourceDir); err != nil {
		return nil, err
	}

	// Close inner-to-outer so every layer flushes its trailer.
	if err := archive.Close(); err != nil {
		return nil, fmt.Errorf("bundle: finishing archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("bundle: finishing compression: %w", err)
	}
	if encrypter != nil {
		if err := encrypter.Close(); err != nil {
			return nil, fmt.Errorf("bundle: finishing encryption: %w", err)
		}
	}

	return &Result{
		SizeBytes: counter.count,
		Checksum:  hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

func writeTree(ctx context.Context, archive *tar.Writer, sourceDir string) error {
	return filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("bundle: walking %s: %w", path, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		relative, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("bundle: relativizing %s: %w", path, err)
		}
		if relative == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("bundle: stat %s: %w", path, err)
		}

		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("bundle: readlink %s: %w", path, err)
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices, fifos: not backed up.
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("bundle: header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relative)
		if info.IsDir() {
			header.Name += "/"
		}
		if err := archive.WriteHeader(header); err != nil {
			return fmt.Errorf("bundle: writing header for %s: %w", relative, err)
		}

		if !info.Mode().IsRegular() {
			return nil
		}
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("bundle: opening %s: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(archive, file); err != nil {
			return fmt.Errorf("bundle: archiving %s: %w", relative, err)
		}
		return nil
	})
}

// Extract unpacks a bundle under destDir. privateKey is the age
// identity for encrypted bundles; pass nil for unencrypted ones.
// Paths escaping destDir are rejected.
func Extract(ctx context.Context, input io.Reader, privateKey *secret.Buffer, destDir string) error {
	payload := input
	if privateKey != nil {
		identity, err := sealed.NewIdentity(privateKey)
		if err != nil {
			return fmt.Errorf("bundle: %w", err)
		}
		decrypted, err := age.Decrypt(input, identity)
		if err != nil {
			return fmt.Errorf("bundle: decrypting: %w", err)
		}
		payload = decrypted
	}
	decompressor, err := zstd.NewReader(payload)
	if err != nil {
		return fmt.Errorf("bundle: decompressing: %w", err)
	}
	defer decompressor.Close()

	archive := tar.NewReader(decompressor)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("bundle: reading archive: %w", err)
		}

		path, err := securePath(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, fs.FileMode(header.Mode)&0o777); err != nil {
				return fmt.Errorf("bundle: creating %s: %w", header.Name, err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, path); err != nil {
				return fmt.Errorf("bundle: linking %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("bundle: creating parent of %s: %w", header.Name, err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode)&0o777)
			if err != nil {
				return fmt.Errorf("bundle: creating %s: %w", header.Name, err)
			}
			if _, err := io.Copy(file, archive); err != nil {
				file.Close()
				return fmt.Errorf("bundle: extracting %s: %w", header.Name, err)
			}
			if err := file.Close(); err != nil {
				return fmt.Errorf("bundle: closing %s: %w", header.Name, err)
			}
		}
	}
}

// Verify re-hashes a stored bundle and compares against the recorded
// checksum. Needs no key material.
func Verify(input io.Reader, checksum string) error {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, input); err != nil {
		return fmt.Errorf("bundle: hashing: %w", err)
	}
	actual := hex.EncodeToString(hasher.Sum(nil))
	if actual != checksum {
		return fmt.Errorf("bundle: checksum mismatch: recorded %s, stored %s", checksum, actual)
	}
	return nil
}

func securePath(destDir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("bundle: archive entry %q escapes destination", name)
	}
	return filepath.Join(destDir, cleaned), nil
}

type countingWriter struct {
	writer io.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
