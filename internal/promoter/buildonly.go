package promoter

import (
	"path"
	"regexp"
	"strings"
)

var compilers = map[string]bool{
	"cc": true, "gcc": true, "g++": true, "c++": true,
	"clang": true, "clang++": true, "ld": true, "as": true,
	"cpp": true, "make": true, "cmake": true, "gfortran": true,
	"ar": true, "ranlib": true,
}

// Compiler internals are build-only wherever they are installed.
var compilerInternals = map[string]bool{
	"cc1": true, "cc1plus": true, "cc1obj": true, "collect2": true,
	"lto1": true, "lto-wrapper": true,
}

// versionSuffix matches the "-12" or "-17.0.1" of gcc-12 or clang-17.0.1.
var versionSuffix = regexp.MustCompile(`-[0-9]+(\.[0-9]+)*$`)

var headerExts = map[string]bool{".h": true, ".hh": true, ".hpp": true, ".hxx": true}

var cacheDirs = map[string]bool{".cache": true, "__pycache__": true}

var buildOnlyPrefixes = []string{"var/cache", "var/lib/warden"}

// IsBuildOnly reports whether a build-root relative path holds material that
// never ships in a runtime image.
func IsBuildOnly(rel string, dir bool) bool {
	return buildOnlyReason(rel, dir) != ""
}

func buildOnlyReason(rel string, dir bool) string {
	rel = strings.TrimPrefix(path.Clean(rel), "/")
	for _, prefix := range buildOnlyPrefixes {
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return "a package cache"
		}
	}
	segments := strings.Split(rel, "/")
	for i, segment := range segments {
		last := i == len(segments)-1
		if i > 0 && (segments[i-1] == "lib" || segments[i-1] == "libexec") && segment == "gcc" && (!last || dir) {
			return "a compiler support directory"
		}
		if !last || dir {
			switch {
			case segment == "include":
				return "a header directory"
			case cacheDirs[segment]:
				return "a cache directory"
			}
		}
	}

	if dir {
		return ""
	}
	base := segments[len(segments)-1]
	if headerExts[path.Ext(base)] {
		return "a header file"
	}
	if compilerInternals[base] {
		return "a compiler toolchain executable"
	}
	if len(segments) >= 2 {
		parent := segments[len(segments)-2]
		if (parent == "bin" || parent == "sbin" || parent == "libexec") && compilers[toolName(base)] {
			return "a compiler toolchain executable"
		}
	}
	return ""
}

// toolName reduces gcc-12, clang++-17 or x86_64-linux-gnu-gcc-12 to the
// bare tool name.
func toolName(base string) string {
	base = versionSuffix.ReplaceAllString(base, "")
	if compilers[base] {
		return base
	}
	if i := strings.LastIndex(base, "-"); i > 0 {
		return base[i+1:]
	}
	return base
}
