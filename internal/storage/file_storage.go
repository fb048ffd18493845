package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/productmatch/backend/internal/product"
)

// ProductExt is the extension of stored product pages.
const ProductExt = ".json"

// ProductStorage defines the interface for saving downloaded product pages
type ProductStorage interface {
	Save(page *product.Page) (string, error)
	Load(path string) (*product.Page, error)
	List() ([]string, error)
	Dir() string
	Close() error
}

// FileStorage implements ProductStorage using the local file system
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStorage creates a new file-based storage
func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStorage{
		baseDir: baseDir,
	}, nil
}

// Save writes the page to a JSON file named after its category and page number
func (fs *FileStorage) Save(page *product.Page) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	filename := safeFilename(page.Category+"-"+strconv.Itoa(page.Page)) + ProductExt
	path := filepath.Join(fs.baseDir, filename)

	data, err := json.MarshalIndent(page, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal page: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return path, nil
}

// Load reads a product file. A file holds either a page object or a bare
// JSON array of products.
func (fs *FileStorage) Load(path string) (*product.Page, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return LoadProductFile(path)
}

// LoadProductFile reads a page or product array from path.
func LoadProductFile(path string) (*product.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var products []product.Product
		if err := json.Unmarshal(trimmed, &products); err != nil {
			return nil, fmt.Errorf("failed to unmarshal products: %w", err)
		}
		return &product.Page{Products: products}, nil
	}

	var page product.Page
	if err := json.Unmarshal(trimmed, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page: %w", err)
	}
	return &page, nil
}

// List returns every stored product file, sorted
func (fs *FileStorage) List() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	return listFiles(fs.baseDir, ProductExt)
}

// Dir returns the storage directory
func (fs *FileStorage) Dir() string {
	return fs.baseDir
}

// Close is a no-op for file storage
func (fs *FileStorage) Close() error {
	return nil
}

// ReplaceDir installs src as dir. The previous dir is moved aside and
// restored if src cannot be renamed into place.
func ReplaceDir(dir, src string) error {
	old := dir + ".old"
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to clear %s: %w", old, err)
	}
	if err := os.Rename(dir, old); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to move %s aside: %w", dir, err)
	}
	if err := os.Rename(src, dir); err != nil {
		os.Rename(old, dir)
		return fmt.Errorf("failed to install %s: %w", dir, err)
	}
	if err := os.RemoveAll(old); err != nil {
		return fmt.Errorf("failed to remove %s: %w", old, err)
	}
	return nil
}

// ListProductFiles lists the product files in dir, sorted.
func ListProductFiles(dir string) ([]string, error) {
	return listFiles(dir, ProductExt)
}

func listFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ext {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// safeFilename keeps alphanumeric characters, dashes and dots and replaces
// everything else with underscores
func safeFilename(name string) string {
	safe := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '.' {
			safe = append(safe, r)
		} else {
			safe = append(safe, '_')
		}
	}
	// Limit length
	if len(safe) > 100 {
		safe = safe[:100]
	}
	return string(safe)
}
