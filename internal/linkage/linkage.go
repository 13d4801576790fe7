// Package linkage moves reconciled derivatives onto their declared names
// and hides every other symbol of the module.
package linkage

import (
	"errors"
	"fmt"

	"github.com/kyleseneker/gradlink/internal/irmod"
)

// ErrSymbolNotFound is matched by every NotFoundError.
var ErrSymbolNotFound = errors.New("symbol not found")

// NotFoundError names a derivative or placeholder missing from the module.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in module", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrSymbolNotFound }

// Binding pairs a declared derivative name with the function that should
// carry it.
type Binding struct {
	Name       string
	Reconciled irmod.Func
}

const tempPrefix = "__gradlink_pending_"

// FinalizeVisibility gives each reconciled function its declared name,
// replacing the placeholder declaration the calling code referenced, and
// then exposes only the derivatives. A binding whose function already has
// its name is left alone, so running this twice changes nothing.
func FinalizeVisibility(mod *irmod.Module, bindings []Binding) error {
	names := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if err := bind(mod, b); err != nil {
			return err
		}
		names = append(names, b.Name)
	}
	return Expose(mod, names)
}

func bind(mod *irmod.Module, b Binding) error {
	cur, err := mod.Name(b.Reconciled)
	if err != nil {
		return fmt.Errorf("%w: %w", &NotFoundError{Name: b.Name}, err)
	}
	if cur == b.Name {
		return nil
	}
	if err := mod.Rename(b.Reconciled, tempPrefix+b.Name); err != nil {
		return err
	}
	placeholder, err := mod.Func(b.Name)
	if errors.Is(err, irmod.ErrNotFound) {
		return &NotFoundError{Name: b.Name}
	}
	if err != nil {
		return err
	}
	if err := mod.ReplaceAllUsesWith(placeholder, b.Reconciled); err != nil {
		return fmt.Errorf("replace placeholder %s: %w", b.Name, err)
	}
	if err := mod.Delete(placeholder); err != nil {
		return fmt.Errorf("remove placeholder %s: %w", b.Name, err)
	}
	return mod.Rename(b.Reconciled, b.Name)
}

// Expose gives every defined function and global internal linkage, then
// makes exactly the named functions external. Declarations stay external.
func Expose(mod *irmod.Module, names []string) error {
	funcs, err := mod.Funcs()
	if err != nil {
		return err
	}
	for _, f := range funcs {
		decl, err := mod.IsDeclaration(f)
		if err != nil {
			return err
		}
		if decl {
			continue
		}
		if err := mod.SetLinkage(f, irmod.Internal); err != nil {
			return err
		}
	}

	globals, err := mod.Globals()
	if err != nil {
		return err
	}
	for _, g := range globals {
		decl, err := mod.GlobalIsDeclaration(g)
		if err != nil {
			return err
		}
		if decl {
			continue
		}
		if err := mod.SetGlobalLinkage(g, irmod.Internal); err != nil {
			return err
		}
	}

	var missing []error
	for _, name := range names {
		f, err := mod.Func(name)
		if errors.Is(err, irmod.ErrNotFound) {
			missing = append(missing, &NotFoundError{Name: name})
			continue
		}
		if err != nil {
			return err
		}
		if err := mod.SetLinkage(f, irmod.External); err != nil {
			return err
		}
	}
	return errors.Join(missing...)
}
