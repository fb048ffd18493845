package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/productmatch/backend/internal/product"
	"github.com/productmatch/backend/internal/storage"
)

func TestFileStorage(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	page := &product.Page{
		Category: "Mobile Phones",
		Page:     2,
		Products: []product.Product{
			{SKU: "1", ModelNumber: "A1", Brand: "Apple", Price: product.Price(799)},
		},
	}

	path, err := fs.Save(page)
	require.NoError(t, err)
	assert.Equal(t, "Mobile_Phones-2.json", filepath.Base(path))

	loaded, err := fs.Load(path)
	require.NoError(t, err)
	assert.Equal(t, page.Category, loaded.Category)
	require.Len(t, loaded.Products, 1)
	assert.Equal(t, 799.0, *loaded.Products[0].Price)

	files, err := fs.List()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, files)
	assert.NoError(t, fs.Close())
}

func TestLoadBareProductArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"sku":"9","modelNumber":"X","brand":"HP"}]`), 0o644))

	page, err := storage.LoadProductFile(path)
	require.NoError(t, err)
	require.Len(t, page.Products, 1)
	assert.Equal(t, "X", page.Products[0].ModelNumber)
}

func TestGetNonExistent(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	_, err = fs.Load(filepath.Join(fs.Dir(), "missing.json"))
	assert.Error(t, err)
}

func TestListIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	fs, err := storage.NewFileStorage(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0o755))

	files, err := fs.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReplaceDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "products")
	staging := filepath.Join(root, "products.download")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Laptops-2.json"), []byte("[]"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "Laptops-1.json"), []byte("[]"), 0o644))

	require.NoError(t, storage.ReplaceDir(dir, staging))

	files, err := storage.ListProductFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Laptops-1.json", filepath.Base(files[0]))
	assert.NoDirExists(t, staging)
	assert.NoDirExists(t, dir+".old")
}

func TestReplaceDirWithoutExistingDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "products")
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o755))

	require.NoError(t, storage.ReplaceDir(dir, staging))
	assert.DirExists(t, dir)
}
