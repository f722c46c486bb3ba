package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Codec selects the archive compression. lzma2 ships inside an xz
// container, lzma as a raw lzma stream.
const (
	CodecZstd  = "zstd"
	CodecLZMA  = "lzma"
	CodecLZMA2 = "lzma2"
)

func codecExt(codec string) (string, error) {
	switch codec {
	case CodecZstd:
		return ".zst", nil
	case CodecLZMA:
		return ".lzma", nil
	case CodecLZMA2:
		return ".xz", nil
	}
	return "", fmt.Errorf("unknown compression codec %q", codec)
}

// Compress writes <outDir>/<baseName><ext> from srcPath and returns the
// archive path. baseName carries the canonical "<bucket>.json" name even
// when the source file on disk is named differently.
func Compress(codec, srcPath, outDir, baseName string) (string, error) {
	ext, err := codecExt(codec)
	if err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, baseName+ext)

	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}
	defer src.Close()

	dst, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}

	var w io.WriteCloser
	switch codec {
	case CodecZstd:
		w, err = zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	case CodecLZMA:
		w, err = lzma.NewWriter(dst)
	case CodecLZMA2:
		w, err = xz.NewWriter(dst)
	}
	if err != nil {
		dst.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}

	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		dst.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}
	if err := w.Close(); err != nil {
		dst.Close()
		os.Remove(outPath)
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("compress %s: %w", baseName, err)
	}
	return outPath, nil
}
