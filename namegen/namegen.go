package namegen

import (
	"fmt"

	vendor "github.com/anandvarma/namegen"
)

var gen = vendor.New()

type ID string

func Get() ID {
	return ID(gen.Get())
}

func (id ID) String() string {
	return string(id)
}

// Hostname derives a cloud instance name from the ID, e.g. "accelpool-misty-falcon".
func (id ID) Hostname(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, id)
}
