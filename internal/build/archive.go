package build

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	cpmerrors "github.com/cpmkit/cpm/internal/errors"
)

// archivePacket archives the packet directory as <dest>.tar.gz or
// <dest>.zip. Lock and temp files are excluded.
func archivePacket(dest, format string) (string, error) {
	switch format {
	case "tar.gz":
		path := dest + ".tar.gz"
		if err := writeTarGz(dest, path); err != nil {
			return "", cpmerrors.IO("archive packet", err)
		}
		return path, nil
	case "zip":
		path := dest + ".zip"
		if err := writeZip(dest, path); err != nil {
			return "", cpmerrors.IO("archive packet", err)
		}
		return path, nil
	default:
		return "", cpmerrors.Usage(fmt.Sprintf("unsupported archive format: %s", format))
	}
}

func archiveSkip(name string) bool {
	return name == ".build.lock" || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock")
}

func writeTarGz(dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	gz := gzip.NewWriter(f)
	defer func() { _ = gz.Close() }()
	tw := tar.NewWriter(gz)
	defer func() { _ = tw.Close() }()

	base := filepath.Base(dir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if archiveSkip(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(tw, src)
		return err
	})
}

func writeZip(dir, out string) error {
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	defer func() { _ = zw.Close() }()

	base := filepath.Base(dir)
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if archiveSkip(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(base, rel)))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(w, src)
		return err
	})
}
