package linker

import (
	"fmt"
	"path"
	"strings"

	"github.com/Paficent/pesde/pkg/manifest"
)

const stubHeader = "-- generated by pesde; do not edit\n"

// libStub renders the re-export stub for a library export. relPath is
// the slash-separated path from the stub's directory to the exported
// module file. The shape depends on the target runtime: lune requires by
// relative path, the roblox kinds navigate the instance tree a sync
// tool builds from the same layout.
func libStub(kind manifest.TargetKind, relPath string) string {
	switch kind {
	case manifest.TargetLune:
		return stubHeader + fmt.Sprintf("return require(\"%s\")\n", "./"+trimLuauExt(relPath))
	default:
		return stubHeader + fmt.Sprintf("return require(script.Parent%s)\n", instancePath(relPath))
	}
}

func trimLuauExt(p string) string {
	p = strings.TrimSuffix(p, ".luau")
	return strings.TrimSuffix(p, ".lua")
}

// instancePath converts "pkg/src/util.luau" into roblox instance
// indexing: ["pkg"]["src"]["util"]. Init modules collapse onto their
// parent the way rojo-style sync tools map them, so "pkg/src/init.luau"
// becomes ["pkg"]["src"].
func instancePath(relPath string) string {
	clean := trimLuauExt(path.Clean(relPath))
	segments := strings.Split(clean, "/")
	if n := len(segments); n > 0 && segments[n-1] == "init" {
		segments = segments[:n-1]
	}
	var b strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&b, "[%q]", seg)
	}
	return b.String()
}
