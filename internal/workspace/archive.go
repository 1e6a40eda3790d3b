package workspace

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
	agenterrors "github.com/itsharex/aeroftp-sub001/internal/errors"
)

type archiveCreateRequest struct {
	Paths      []string `mapstructure:"paths"`
	OutputPath string   `mapstructure:"output_path"`
}

type archiveExtractRequest struct {
	ArchivePath string `mapstructure:"archive_path"`
	OutputPath  string `mapstructure:"output_path"`
}

func (e *Executor) archiveCreate(ctx context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[archiveCreateRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	if len(req.Paths) == 0 {
		return tools.Output{}, agenterrors.ValidationFailed("", []string{"paths must not be empty"})
	}
	output, err := e.resolve(req.OutputPath)
	if err != nil {
		return tools.Output{}, err
	}
	sources := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		src, err := e.resolve(p)
		if err != nil {
			return tools.Output{}, err
		}
		sources = append(sources, src)
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return tools.Output{}, err
	}
	f, err := os.Create(output)
	if err != nil {
		return tools.Output{}, err
	}
	zw := zip.NewWriter(f)

	files := 0
	for _, src := range sources {
		base := filepath.Dir(src)
		err := filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || p == output {
				return nil
			}
			rel, err := filepath.Rel(base, p)
			if err != nil {
				return err
			}
			if err := addZipFile(zw, p, filepath.ToSlash(rel)); err != nil {
				return err
			}
			files++
			return nil
		})
		if err != nil {
			zw.Close()
			f.Close()
			os.Remove(output)
			return tools.Output{}, err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return tools.Output{}, err
	}
	if err := f.Close(); err != nil {
		return tools.Output{}, err
	}
	return tools.NewTextOutput(fmt.Sprintf("Created %s with %d file(s)", e.display(output), files)), nil
}

func addZipFile(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	dst, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func (e *Executor) archiveExtract(ctx context.Context, args map[string]any) (tools.Output, error) {
	req, err := decode[archiveExtractRequest](args)
	if err != nil {
		return tools.Output{}, err
	}
	archive, err := e.resolve(req.ArchivePath)
	if err != nil {
		return tools.Output{}, err
	}
	dest, err := e.resolve(req.OutputPath)
	if err != nil {
		return tools.Output{}, err
	}

	zr, err := zip.OpenReader(archive)
	if err != nil {
		return tools.Output{}, err
	}
	defer zr.Close()

	files := 0
	for _, item := range zr.File {
		if err := ctx.Err(); err != nil {
			return tools.Output{}, err
		}
		target := filepath.Join(dest, filepath.FromSlash(item.Name))
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) || !e.inside(target) {
			return tools.Output{}, agenterrors.ValidationFailed("", []string{fmt.Sprintf("archive entry %s escapes the destination", item.Name)})
		}
		if item.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return tools.Output{}, err
			}
			continue
		}
		if err := extractZipFile(item, target); err != nil {
			return tools.Output{}, err
		}
		files++
	}
	return tools.NewTextOutput(fmt.Sprintf("Extracted %d file(s) to %s", files, e.display(dest))), nil
}

func extractZipFile(item *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := item.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
