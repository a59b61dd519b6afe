package bucket

import (
	"errors"
)

func errorsAs(err error, target interface{}) bool { return errors.As(err, target) }

type errForTest string

func (e errForTest) Error() string { return string(e) }
