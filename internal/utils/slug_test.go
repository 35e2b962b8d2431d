package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Caterpillar 320D Excavator", "caterpillar-320d-excavator"},
		{"  spaced   out  ", "spaced-out"},
		{"Экскаватор в аренду", "ekskavator-v-arendu"},
		{"Hitachi!!!ZX-200", "hitachi-zx-200"},
		{"---", ""},
		{"", ""},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, Slugify(c.in), "Slugify(%q)", c.in)
	}
}
