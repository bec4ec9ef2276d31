package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apperrors "github.com/router-for-me/ShareTunnel/internal/errors"
	"github.com/router-for-me/ShareTunnel/internal/pathguard"
	log "github.com/sirupsen/logrus"
)

type browseEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

var errOutsideRoot = apperrors.New(http.StatusForbidden, apperrors.CodeForbidden, "path is outside the browsable root", nil)

func (s *Server) browseRoot() (string, error) {
	if s.cfg.Browse.Root != "" {
		return s.cfg.Browse.Root, nil
	}
	return os.UserHomeDir()
}

// handleBrowse lists one directory under the browse root. Rejected paths get
// the same 403 whether or not they exist.
func (s *Server) handleBrowse(c *gin.Context) {
	root, err := s.browseRoot()
	if err != nil {
		writeError(c, apperrors.New(http.StatusInternalServerError, apperrors.CodeInternal, "browse root unavailable", err))
		return
	}

	resolved, ok := pathguard.Resolve(c.Query("path"), root)
	if !ok {
		log.WithField("path", c.Query("path")).Debug("browse: rejected path outside root")
		writeError(c, errOutsideRoot)
		return
	}

	// Symlinks inside the root may point elsewhere; compare real paths too.
	realPath, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(c, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound, "directory not found", nil))
			return
		}
		writeError(c, apperrors.New(http.StatusInternalServerError, apperrors.CodeInternal, "cannot resolve path", err))
		return
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	if !pathguard.Within(realPath, realRoot) {
		writeError(c, errOutsideRoot)
		return
	}

	info, err := os.Stat(realPath)
	if err != nil {
		writeError(c, apperrors.New(http.StatusNotFound, apperrors.CodeNotFound, "directory not found", nil))
		return
	}
	if !info.IsDir() {
		writeError(c, apperrors.New(http.StatusBadRequest, apperrors.CodeInvalidRequest, "path is not a directory", nil))
		return
	}

	dirEntries, err := os.ReadDir(realPath)
	if err != nil {
		writeError(c, apperrors.New(http.StatusForbidden, apperrors.CodeForbidden, "directory cannot be read", err))
		return
	}

	showHidden, _ := strconv.ParseBool(c.Query("hidden"))
	entries := make([]browseEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if !showHidden && len(name) > 0 && name[0] == '.' {
			continue
		}
		fi, errInfo := de.Info()
		if errInfo != nil {
			continue
		}
		entry := browseEntry{
			Name:    name,
			Path:    filepath.Join(resolved, name),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime(),
		}
		if !entry.IsDir {
			entry.Size = fi.Size()
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	parent := ""
	if resolved != filepath.Clean(root) {
		parent = filepath.Dir(resolved)
	}
	c.JSON(http.StatusOK, gin.H{
		"root":    filepath.Clean(root),
		"path":    resolved,
		"parent":  parent,
		"entries": entries,
	})
}
