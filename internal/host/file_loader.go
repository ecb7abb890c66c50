package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrFileNotFound 表示引用的文件不存在或是目录。
var ErrFileNotFound = errors.New("module file not found")

// FileModule 是 FileLoader 产出的实例，保存源文件内容与文件信息。
type FileModule struct {
	Path    string
	Size    int64
	ModTime time.Time
	Source  []byte
}

// FileLoader 以 basePath 为根解析相对路径，拒绝逃逸出根目录的引用。
type FileLoader struct {
	basePath string
}

// NewFileLoader 构建文件加载器，basePath 不存在时会被创建。
func NewFileLoader(basePath string) (*FileLoader, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}
	return &FileLoader{basePath: abs}, nil
}

// BasePath 返回解析后的根目录。
func (l *FileLoader) BasePath() string {
	return l.basePath
}

// Load 实现 Loadable。
func (l *FileLoader) Load(ctx context.Context, ref string) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := l.path(ref)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
	}

	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return &FileModule{
		Path:    filePath,
		Size:    int64(len(source)),
		ModTime: info.ModTime(),
		Source:  source,
	}, nil
}

func (l *FileLoader) path(ref string) (string, error) {
	rel := strings.TrimSpace(ref)
	if rel == "" || rel == "/" {
		return "", errors.New("module path required")
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return "", errors.New("module path required")
	}

	filePath := filepath.Join(l.basePath, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, l.basePath+string(filepath.Separator)) {
		return "", errors.New("invalid module path")
	}
	return filePath, nil
}

// FileSize 报告 FileModule 的字节数，其余实例视为 0。签名与 cache.SizeFunc 一致。
func FileSize(_ string, value any) int64 {
	if m, ok := value.(*FileModule); ok && m != nil {
		return m.Size
	}
	return 0
}
