package image_list

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// extensions maps the source files picked up by Scan to their format.
var extensions = map[string]string{
	".tif":  "tiff",
	".tiff": "tiff",
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".webp": "webp",
}

type ImageInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Format           string `json:"format"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bytes            int64  `json:"bytes"`
}

// TileFormat is the format tiles of this image are encoded in when the
// layer does not override it. TIFF sources are served as JPEG.
func (i ImageInfo) TileFormat() string {
	switch i.Format {
	case "png", "webp", "jpeg":
		return i.Format
	default:
		return "jpeg"
	}
}

// Prober reads the pixel dimensions of an image file.
type Prober func(path string) (width, height int, err error)

// Scanner keeps the catalogue of source images under one directory. Every
// image is renamed to <uuid>.<ext> on first sight and gets a <uuid>.json
// metadata file next to it.
type Scanner struct {
	dataDir string
	logger  *zap.Logger
	probe   Prober

	mu     sync.RWMutex
	images []ImageInfo
}

func New(dataDir string, logger *zap.Logger) *Scanner {
	return NewWithProber(dataDir, logger, VipsProbe)
}

func NewWithProber(dataDir string, logger *zap.Logger, probe Prober) *Scanner {
	return &Scanner{
		dataDir: dataDir,
		logger:  logger,
		probe:   probe,
		images:  []ImageInfo{},
	}
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	images := []ImageInfo{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		format, ok := extensions[ext]
		if !ok {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		jsonPath := s.getFilePath(basename + ".json")

		var imageInfo *ImageInfo

		// No metadata yet: give the file an id and describe it
		if _, err := os.Stat(jsonPath); err != nil {
			info, err := entry.Info()
			if err != nil {
				s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
				continue
			}

			imageInfo, err = s.adopt(path, ext, format, info.Size())
			if err != nil {
				s.logger.Warn("Failed to adopt image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			imageInfo, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
			if imageInfo.Format == "" {
				imageInfo.Format = format
			}
		}
		images = append(images, *imageInfo)
	}

	slices.SortFunc(images, func(a, b ImageInfo) int { return strings.Compare(a.ID, b.ID) })

	s.mu.Lock()
	s.images = images
	s.mu.Unlock()

	s.logger.Info("Scanned images", zap.String("data_dir", s.dataDir), zap.Int("count", len(images)))
	return nil
}

// adopt renames a new image to <uuid><ext>, probes it and writes its
// metadata.
func (s *Scanner) adopt(path, ext, format string, size int64) (*ImageInfo, error) {
	width, height, err := s.probe(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}

	id := uuid.New().String()
	finalPath := s.getFilePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	meta := &ImageInfo{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Format:           format,
		Width:            width,
		Height:           height,
		Bytes:            size,
	}

	jsonPath := s.getFilePath(id + ".json")
	if err := s.saveMetadata(jsonPath, meta); err != nil {
		s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return meta, nil
}

// cleanupOrphanedJSON deletes metadata that cannot be parsed, names a
// different id than its file, or points at a missing image.
func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}
		basename := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			s.remove(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			s.remove(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				s.remove(path, "Deleted orphaned JSON file")
			}
		}
	}

	return nil
}

func (s *Scanner) remove(path, msg string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info(msg, zap.String("path", path))
}

func (s *Scanner) GetImages() []ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.images)
}

func (s *Scanner) GetImageByID(id string) *ImageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, img := range s.images {
		if img.ID == id {
			return &img
		}
	}
	return nil
}

func (s *Scanner) GetImagePathByID(id string) string {
	imageInfo := s.GetImageByID(id)
	if imageInfo == nil {
		return ""
	}
	return s.getFilePath(imageInfo.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*ImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta ImageInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if meta.ID == "" || meta.CurrentFilename == "" {
		return nil, fmt.Errorf("metadata %s is incomplete", path)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *ImageInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// VipsProbe opens path sequentially with libvips to read its size. libvips
// must be started.
func VipsProbe(path string) (int, int, error) {
	access := vips.AccessSequential

	var (
		image *vips.Image
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		image, err = vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		image, err = vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		image, err = vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		image, err = vips.NewWebpload(path, opts)
	default:
		return 0, 0, fmt.Errorf("unsupported image format: %s", filepath.Ext(path))
	}
	if err != nil {
		return 0, 0, err
	}
	defer image.Close()

	return image.Width(), image.Height(), nil
}
