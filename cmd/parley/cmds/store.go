package cmds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/parley/pkg/callstore"
	"github.com/go-go-golems/parley/pkg/widget"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// The CLI is not a tab, so these commands read the shared backend directly
// instead of going through the tab-affine Store.

type StoreShowCommand struct {
	*cmds.CommandDescription
}

type StoreClearCommand struct {
	*cmds.CommandDescription
}

var (
	_ cmds.WriterCommand = (*StoreShowCommand)(nil)
	_ cmds.WriterCommand = (*StoreClearCommand)(nil)
)

func NewStoreShowCommand() (*StoreShowCommand, error) {
	sections, err := widgetSections()
	if err != nil {
		return nil, err
	}
	return &StoreShowCommand{
		CommandDescription: cmds.NewCommandDescription(
			"show",
			cmds.WithShort("Print the stored call record as YAML"),
			cmds.WithSections(sections...),
		),
	}, nil
}

func NewStoreClearCommand() (*StoreClearCommand, error) {
	sections, err := widgetSections()
	if err != nil {
		return nil, err
	}
	return &StoreClearCommand{
		CommandDescription: cmds.NewCommandDescription(
			"clear",
			cmds.WithShort("Delete the stored call record"),
			cmds.WithSections(sections...),
		),
	}, nil
}

// NewStoreGroup returns the parent command for show and clear.
func NewStoreGroup() *cobra.Command {
	return &cobra.Command{
		Use:   "store",
		Short: "Inspect the call resumption store",
	}
}

func openStore(parsed *values.Values) (callstore.Backend, string, func() error, error) {
	s, err := loadSettings(parsed)
	if err != nil {
		return nil, "", nil, err
	}
	backend, closer, err := widget.OpenSharedBackend(s.StoreBackend, s.StoreDSN)
	if err != nil {
		return nil, "", nil, err
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return backend, s.StorageKey(), closer, nil
}

func (c *StoreShowCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	backend, key, closer, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()

	b, ok, err := backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		_, _ = fmt.Fprintf(w, "no call stored under %s\n", key)
		return nil
	}
	var rec map[string]any
	if err := json.Unmarshal(b, &rec); err != nil {
		return errors.Wrapf(err, "stored record under %s is corrupt", key)
	}
	out, err := yaml.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

func (c *StoreClearCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	backend, key, closer, err := openStore(parsed)
	if err != nil {
		return err
	}
	defer func() { _ = closer() }()

	if err := backend.Delete(ctx, key); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "cleared %s\n", key)
	return nil
}
