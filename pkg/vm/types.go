package vm

import (
	"path/filepath"
	"strings"
	"unicode"

	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// VM is one discovered library entry
type VM struct {
	ID           string                `json:"id"`
	Dir          string                `json:"dir"`
	ScriptPath   string                `json:"script_path"`
	Config       qemuconfig.QemuConfig `json:"config"`
	ParseSuccess bool                  `json:"parse_success"`
	ParseError   string                `json:"parse_error,omitempty"`
}

func newVM(dir string, res launchscript.Result) *VM {
	return &VM{
		ID:           filepath.Base(dir),
		Dir:          dir,
		ScriptPath:   filepath.Join(dir, launchscript.ScriptName),
		Config:       res.Config,
		ParseSuccess: res.Success,
		ParseError:   res.Error,
	}
}

// DisplayName turns the directory name into a title: "windows-95" becomes
// "Windows 95".
func (vm *VM) DisplayName() string {
	words := strings.FieldsFunc(vm.ID, func(r rune) bool {
		return r == '-' || r == '_' || r == ' '
	})
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// Category is a coarse grouping derived from the VM id.
func (vm *VM) Category() Category {
	return CategoryOf(vm.ID)
}

func (vm *VM) SupportsSnapshots() bool {
	return vm.Config.SupportsSnapshots()
}
