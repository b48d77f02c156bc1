package layers

import "fmt"

// TemplateUpdateError is an in-place tile template swap that failed. It is
// recovered by re-adding the source and its variants.
type TemplateUpdateError struct {
	Layer   string
	Surface string
	Err     error
}

func (e *TemplateUpdateError) Error() string {
	return fmt.Sprintf("updating tiles of layer %q on %s: %v", e.Layer, e.Surface, e.Err)
}

func (e *TemplateUpdateError) Unwrap() error { return e.Err }
