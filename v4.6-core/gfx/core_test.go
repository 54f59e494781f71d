package gfx_test

import (
	"testing"

	"github.com/soypat/tessera/v4.6-core/gfx"
)

func TestWindow(t *testing.T) {
	window, term, err := gfx.InitWithCurrentWindow33(gfx.WindowConfig{
		Title:         "My great window",
		NotResizable:  false,
		Version:       [2]int{3, 3},
		OpenGLProfile: gfx.ProfileCore,
		ForwardCompat: true,
		Width:         1,
		Height:        1,
	})
	if err != nil {
		t.Log(err)
		t.Skip()
	}
	term()
	_ = window
}
