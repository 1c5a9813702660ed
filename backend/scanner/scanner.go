package scanner

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andi/reelflow/backend/database"
	"github.com/andi/reelflow/backend/models"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Starter hands an imported project to the queue
type Starter interface {
	RequestStart(ctx context.Context, projectID string) (bool, error)
}

// ProjectFile is the YAML document dropped into the inbox
type ProjectFile struct {
	Name     string               `yaml:"name"`
	Priority int                  `yaml:"priority"`
	Start    *bool                `yaml:"start"`
	Config   models.ProjectConfig `yaml:"config"`
}

// Scanner imports project files and starts them
type Scanner struct {
	projects *database.ProjectRepo
	imports  *database.ImportRepo
	starter  Starter
	pipeline string
	logger   zerolog.Logger
}

// New creates a new scanner. starter may be nil, in which case imported projects stay in config.
func New(db *database.DB, starter Starter, pipelineName string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		projects: database.NewProjectRepo(db),
		imports:  database.NewImportRepo(db),
		starter:  starter,
		pipeline: pipelineName,
		logger:   logger.With().Str("component", "scanner").Logger(),
	}
}

// ScanResult represents the result of a scan operation
type ScanResult struct {
	FilesScanned int
	FilesSkipped int
	Imported     []string
	Errors       []error
}

// ParseProjectFile decodes an inbox document
func ParseProjectFile(data []byte) (*ProjectFile, error) {
	var pf ProjectFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse project file: %w", err)
	}
	pf.Name = strings.TrimSpace(pf.Name)
	if pf.Name == "" {
		return nil, errors.New("project file has no name")
	}
	switch pf.Config.SceneMode {
	case "", models.SceneModeAuto, models.SceneModeManual:
	default:
		return nil, fmt.Errorf("unknown scene_mode %q", pf.Config.SceneMode)
	}
	return &pf, nil
}

// IsProjectFile reports whether the path looks like an inbox document
func IsProjectFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	return ext == ".yaml" || ext == ".yml"
}

// ScanDir imports every project file directly inside dir
func (s *Scanner) ScanDir(ctx context.Context, dir string) (*ScanResult, error) {
	result := &ScanResult{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !IsProjectFile(entry.Name()) {
			continue
		}
		result.FilesScanned++

		project, err := s.ImportFile(ctx, filepath.Join(dir, entry.Name()))
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if project == nil {
			result.FilesSkipped++
			continue
		}
		result.Imported = append(result.Imported, project.ID)
	}

	return result, nil
}

// ImportFile creates a project from the file unless the same content was imported before.
// It returns nil without error for already imported content.
func (s *Scanner) ImportFile(ctx context.Context, filePath string) (*models.Project, error) {
	md5Hash, fileSize, err := calculateMD5(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate MD5 for %s: %w", filePath, err)
	}

	existing, err := s.imports.GetByMD5(ctx, md5Hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check import index: %w", err)
	}
	if existing != nil {
		s.logger.Debug().Str("file", filePath).Str("project", existing.ProjectID).Msg("file already imported, skipping")
		return nil, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	pf, err := ParseProjectFile(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}

	project := &models.Project{
		Name:       pf.Name,
		Pipeline:   s.pipeline,
		Priority:   pf.Priority,
		Config:     pf.Config,
		SourcePath: filePath,
		Status:     models.ProjectStatusConfig,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	imp := &models.Import{
		FilePath:  filePath,
		FileMD5:   md5Hash,
		FileSize:  fileSize,
		ProjectID: project.ID,
	}
	if err := s.imports.Create(ctx, imp); err != nil {
		return nil, fmt.Errorf("failed to record import: %w", err)
	}

	s.logger.Info().Str("file", filePath).Str("project", project.ID).Str("name", project.Name).Msg("project imported")

	if s.starter != nil && (pf.Start == nil || *pf.Start) {
		started, err := s.starter.RequestStart(ctx, project.ID)
		if err != nil {
			return project, fmt.Errorf("project %s imported but not started: %w", project.ID, err)
		}
		if started {
			s.logger.Info().Str("project", project.ID).Msg("imported project started")
		} else {
			s.logger.Info().Str("project", project.ID).Msg("imported project queued")
		}
	}

	return project, nil
}

// calculateMD5 calculates the MD5 hash of a file
func calculateMD5(filePath string) (string, int64, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := md5.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}

	return fmt.Sprintf("%x", hash.Sum(nil)), size, nil
}
