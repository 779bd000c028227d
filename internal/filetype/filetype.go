// Package filetype classifies files by extension for inventory tags.
package filetype

import (
	"path/filepath"
	"strings"
)

// Category is a coarse file classification.
type Category string

const (
	CategorySource   Category = "source"
	CategoryConfig   Category = "config"
	CategoryDocument Category = "document"
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryArchive  Category = "archive"
	CategoryOther    Category = "other"
)

var byExt = map[string]Category{}

func register(c Category, exts ...string) {
	for _, e := range exts {
		byExt[e] = c
	}
}

func init() {
	register(CategorySource,
		".go", ".rs", ".c", ".h", ".cc", ".cpp", ".hpp", ".cxx", ".java", ".kt",
		".py", ".rb", ".js", ".mjs", ".ts", ".tsx", ".jsx", ".cs", ".swift",
		".php", ".pl", ".lua", ".sh", ".bash", ".zsh", ".sql", ".scala", ".m")
	register(CategoryConfig,
		".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".json", ".xml",
		".properties", ".env", ".mod", ".sum", ".lock")
	register(CategoryDocument,
		".md", ".rst", ".txt", ".pdf", ".doc", ".docx", ".xls", ".xlsx",
		".ppt", ".pptx", ".odt", ".ods", ".odp", ".html", ".htm", ".csv")
	register(CategoryImage,
		".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".tif",
		".heic", ".heif", ".avif", ".svg", ".ico")
	register(CategoryVideo,
		".mp4", ".mov", ".avi", ".mkv", ".wmv", ".flv", ".webm", ".m4v")
	register(CategoryArchive,
		".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".zst", ".7z", ".rar", ".jar")
}

// Detect returns the Category for path based on its extension.
func Detect(path string) Category {
	if c, ok := byExt[strings.ToLower(filepath.Ext(path))]; ok {
		return c
	}
	return CategoryOther
}

// Tag is the inventory tag for path, e.g. "type:source".
func Tag(path string) string {
	return "type:" + string(Detect(path))
}
