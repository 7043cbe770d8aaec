package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/me/myqueue/pkg/model"
)

// Drop-file codes written by job scripts and the local scheduler.
const (
	CodeRunning = 0
	CodeDone    = 1
	CodeFailed  = 2
	CodeTimeout = 3
)

var codeStates = map[int]model.State{
	CodeRunning: model.StateRunning,
	CodeDone:    model.StateDone,
	CodeFailed:  model.StateFailed,
	CodeTimeout: model.StateTimeout,
}

var dropPattern = regexp.MustCompile(`^([a-z]+)-(\d+)-([0-3])$`)

// DropFile is a state change reported out of band by a running job.
type DropFile struct {
	Path      string
	Scheduler string
	ID        int64
	State     model.State
	Time      time.Time
}

// DropFileName returns the name of the drop file for a job state change.
func DropFileName(scheduler string, id int64, code int) string {
	return fmt.Sprintf("%s-%d-%d", scheduler, id, code)
}

// WriteDropFile creates the (empty) drop file in dir.
func WriteDropFile(dir, scheduler string, id int64, code int) error {
	f, err := os.Create(filepath.Join(dir, DropFileName(scheduler, id, code)))
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadDropFiles returns the drop files of scheduler in dir, oldest first
// by modification time (the creation time is not portable). Files of the
// same age are ordered by job id and then by name, which puts a job's
// running file (code 0) before its final one.
func ReadDropFiles(dir, scheduler string) ([]DropFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var drops []DropFile
	for _, e := range entries {
		m := dropPattern.FindStringSubmatch(e.Name())
		if m == nil || m[1] != scheduler || e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed by a concurrent reader.
			continue
		}
		id, _ := strconv.ParseInt(m[2], 10, 64)
		code, _ := strconv.Atoi(m[3])
		drops = append(drops, DropFile{
			Path:      filepath.Join(dir, e.Name()),
			Scheduler: scheduler,
			ID:        id,
			State:     codeStates[code],
			Time:      info.ModTime(),
		})
	}
	sort.SliceStable(drops, func(i, j int) bool {
		if !drops[i].Time.Equal(drops[j].Time) {
			return drops[i].Time.Before(drops[j].Time)
		}
		if drops[i].ID != drops[j].ID {
			return drops[i].ID < drops[j].ID
		}
		return drops[i].Path < drops[j].Path
	})
	return drops, nil
}
