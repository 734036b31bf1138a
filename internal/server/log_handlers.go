package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// defaultLogFile is the process log the handlers serve when no file is named.
const defaultLogFile = "tradebook.log"

// LogHandlers serves the rotated log files under the logs directory.
type LogHandlers struct {
	log zerolog.Logger
	dir string
}

// NewLogHandlers creates a new log handlers instance reading from dir.
func NewLogHandlers(log zerolog.Logger, dir string) *LogHandlers {
	return &LogHandlers{
		log: log.With().Str("component", "log_handlers").Logger(),
		dir: dir,
	}
}

// LogFileInfo represents information about a log file
type LogFileInfo struct {
	Name        string  `json:"name"`
	SizeMB      float64 `json:"size_mb"`
	ModifiedUTC string  `json:"modified_utc"`
}

// LogListResponse represents the list of available log files
type LogListResponse struct {
	LogFiles []LogFileInfo `json:"log_files"`
	Total    int           `json:"total"`
}

// LogContentResponse represents log content
type LogContentResponse struct {
	File   string   `json:"file"`
	Lines  []string `json:"lines"`
	Total  int      `json:"total"`
	Status string   `json:"status"`
}

// HandleListLogs returns the log files available for tailing.
func (h *LogHandlers) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read logs directory")
		http.Error(w, "Failed to read logs directory", http.StatusInternalServerError)
		return
	}

	files := make([]LogFileInfo, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:        entry.Name(),
			SizeMB:      float64(info.Size()) / (1024 * 1024),
			ModifiedUTC: info.ModTime().UTC().Format(time.RFC3339),
		})
	}

	response := LogListResponse{LogFiles: files, Total: len(files)}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// HandleGetLogs tails a log file with optional level and search filters.
// Rotation caps file size well under what a single read can handle, so the
// whole file is read and the tail sliced off.
func (h *LogHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	// filepath.Base strips any directory components, and the suffix check
	// keeps requests inside the log set.
	file := filepath.Base(r.URL.Query().Get("file"))
	if file == "." || file == "/" {
		file = defaultLogFile
	}
	if !strings.HasSuffix(file, ".log") {
		http.Error(w, "Not a log file", http.StatusBadRequest)
		return
	}

	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			lines = parsed
			if lines > 10000 {
				lines = 10000
			}
		}
	}
	level := r.URL.Query().Get("level")
	search := r.URL.Query().Get("search")

	data, err := os.ReadFile(filepath.Join(h.dir, file))
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Log file not found", http.StatusNotFound)
			return
		}
		h.log.Error().Err(err).Str("file", file).Msg("Failed to read log file")
		http.Error(w, "Failed to read log file", http.StatusInternalServerError)
		return
	}

	logLines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(logLines) == 1 && logLines[0] == "" {
		logLines = []string{}
	}
	totalLines := len(logLines)

	filtered := h.filterLogs(logLines, level, search)
	if len(filtered) > lines {
		filtered = filtered[len(filtered)-lines:]
	}

	response := LogContentResponse{
		File:   file,
		Lines:  filtered,
		Total:  totalLines,
		Status: "ok",
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// filterLogs filters log lines by level and search term
func (h *LogHandlers) filterLogs(lines []string, level string, search string) []string {
	if level == "" && search == "" {
		return lines
	}

	filtered := make([]string, 0)

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		if level != "" && !h.lineMatchesLevel(line, level) {
			continue
		}

		if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
			continue
		}

		filtered = append(filtered, line)
	}

	return filtered
}

// lineMatchesLevel checks if a log line matches the specified level
func (h *LogHandlers) lineMatchesLevel(line string, level string) bool {
	// Support both zerolog JSON format and plain text format

	// Check for JSON format: {"level":"error",...}
	if strings.Contains(line, `"level"`) {
		return strings.Contains(strings.ToLower(line), `"level":"`+strings.ToLower(level)+`"`)
	}

	// Check for plain text format: ERROR: message or [ERROR] message
	upperLine := strings.ToUpper(line)
	upperLevel := strings.ToUpper(level)

	return strings.Contains(upperLine, upperLevel+":") ||
		strings.Contains(upperLine, "["+upperLevel+"]") ||
		strings.Contains(upperLine, " "+upperLevel+" ")
}
