package memutils

import cerrors "github.com/cockroachdb/errors"

// Validatable is used by the DebugValidate method to allow it to act upon
// all types with a Validate method
type Validatable interface {
	Validate() error
}

// ValidateAll validates every object and combines all failures into a single error
func ValidateAll(objs ...Validatable) error {
	var err error
	for _, obj := range objs {
		err = cerrors.CombineErrors(err, obj.Validate())
	}
	return err
}
