package cli

import (
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/myqueue/pkg/model"
)

// selectionFlags are the task-picking flags shared by list, rm, modify
// and resubmit.
type selectionFlags struct {
	ids       string
	states    string
	name      string
	errGlob   string
	recursive bool
}

func (f *selectionFlags) register(cmd *cobra.Command, defaultStates string) {
	fl := cmd.Flags()
	fl.StringVarP(&f.ids, "id", "i", "", "Comma-separated list of task ids")
	fl.StringVarP(&f.states, "states", "s", defaultStates,
		"Task states as letters: q queued, h hold, r running, d done, F FAILED, C CANCELED, T TIMEOUT, M MEMORY, a all alive, A all bad")
	fl.StringVarP(&f.name, "name", "n", "", "Select only tasks whose name matches this glob")
	fl.StringVarP(&f.errGlob, "error", "e", "", "Select only tasks whose error message matches this glob")
	fl.BoolVarP(&f.recursive, "recursive", "r", false, "Also use subfolders")
}

// selection builds the selection for the folders given on the command
// line. Ids select across the whole tree and the folders only locate it.
// With requireSome a selection without ids or states is rejected.
func (f *selectionFlags) selection(args []string, requireSome bool) (model.Selection, error) {
	var sel model.Selection
	folders, err := absFolders(args)
	if err != nil {
		return sel, err
	}
	if f.ids != "" {
		sel.Folders = folders
		for _, part := range strings.Split(f.ids, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				return sel, model.Errorf("bad task id %q", part)
			}
			sel.IDs = append(sel.IDs, id)
		}
		return sel, nil
	}
	states, err := model.ParseStateSet(f.states)
	if err != nil {
		return sel, err
	}
	sel.States = states
	sel.Name = f.name
	sel.ErrorPattern = f.errGlob
	sel.Recursive = f.recursive
	sel.Folders = folders
	if requireSome && sel.IsEmpty() {
		return sel, model.Errorf("specify task ids (-i) or states (-s)")
	}
	return sel, nil
}
