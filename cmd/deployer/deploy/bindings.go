package deploy

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petrel-io/petrel/cmd/deployer/workflow"
	"github.com/petrel-io/petrel/common/facts"
)

// bindingMarker guards the generated block in Service.ruleml so repeated
// deploys of the same version append it once only.
const bindingMarker = "<!-- canonical bindings (generated) -->"

const rulebaseClose = "</Rulebase>"

// Bindings materializes canonical binding rows under the version's rule
// folder and appends them into its Service.ruleml. PetriNet deploys
// regenerate every binding file from topology; SOA deploys preserve
// hand-authored files and read the bindings back from them.
type Bindings struct {
	folder      string
	processType string
	log         Logger
}

// NewBindings creates the materializer for one version's rule folder.
func NewBindings(folder, processType string, log Logger) *Bindings {
	return &Bindings{folder: folder, processType: processType, log: log}
}

func (b *Bindings) filePath(service, operation string) string {
	return filepath.Join(b.folder, "bindings", fmt.Sprintf("%s.%s.binding", service, operation))
}

// Materialize writes (or, in SOA mode, loads) the binding file of one
// (service, operation) and returns the rows that now govern it.
func (b *Bindings) Materialize(service, operation string, generated []facts.Atom) ([]facts.Atom, error) {
	path := b.filePath(service, operation)

	if b.processType == workflow.ProcessSOA {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			atoms, perr := facts.ParseAtoms(string(raw))
			if perr != nil {
				return nil, fmt.Errorf("binding file %s: %w", path, perr)
			}
			b.log.Debug("keeping hand-authored binding file", "path", path, "rows", len(atoms))
			return atoms, nil
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read binding file: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create binding folder: %w", err)
	}
	text := facts.FormatAtoms(generated) + "\n"
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write binding file: %w", err)
	}
	return generated, nil
}

// AppendToRulebase splices every binding row into Service.ruleml just
// before the closing tag, behind the marker comment. A file that already
// carries the marker is left alone.
func (b *Bindings) AppendToRulebase(all []facts.Atom) error {
	path := filepath.Join(b.folder, "Service.ruleml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mkerr := os.MkdirAll(b.folder, 0o755); mkerr != nil {
			return fmt.Errorf("create rule folder: %w", mkerr)
		}
		data = []byte("<Rulebase>\n" + rulebaseClose + "\n")
	} else if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	if bytes.Contains(data, []byte(bindingMarker)) {
		b.log.Debug("rulebase already carries generated bindings", "path", path)
		return nil
	}

	idx := bytes.LastIndex(data, []byte(rulebaseClose))
	if idx < 0 {
		return fmt.Errorf("%s has no %s element", path, rulebaseClose)
	}

	var block bytes.Buffer
	block.WriteString(bindingMarker)
	block.WriteByte('\n')
	for _, a := range all {
		block.WriteString(a.String())
		block.WriteByte('\n')
	}

	out := make([]byte, 0, len(data)+block.Len())
	out = append(out, data[:idx]...)
	out = append(out, block.Bytes()...)
	out = append(out, data[idx:]...)

	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	b.log.Info("appended canonical bindings", "path", path, "rows", len(all))
	return nil
}
