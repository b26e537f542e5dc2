//go:build mage

package main

import (
	"os"
	"path"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	packageName = "github.com/theflyingcodr/relay/cmd/relayd"
	ldflags     = "-X " + packageName + "/commands.Version=$VERSION"
	outDir      = "bin"
)

var Default = Build

var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

// Build builds relayd.
func Build() error {
	mg.Deps(mkBin)
	return sh.RunWith(buildVars(), goexe, "build", "-ldflags", ldflags, "-o", path.Join(outDir, "relayd"), packageName)
}

// BuildRace builds relayd with the race detector enabled.
func BuildRace() error {
	mg.Deps(mkBin)
	return sh.RunWith(buildVars(), goexe, "build", "-race", "-ldflags", ldflags, "-o", path.Join(outDir, "relayd"), packageName)
}

// Install installs relayd.
func Install() error {
	return sh.RunWith(buildVars(), goexe, "install", "-ldflags", ldflags, packageName)
}

// Test runs the test suite with the race detector.
func Test() error {
	return sh.Run(goexe, "test", "-race", "./...")
}

// Vet runs go vet.
func Vet() error {
	return sh.Run(goexe, "vet", "./...")
}

// Clean removes all files and directories created by mage targets.
func Clean() error {
	return os.RemoveAll(outDir)
}

func mkBin() error {
	return os.MkdirAll(outDir, 0o775)
}

func buildVars() map[string]string {
	version, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil {
		version = "dev"
	}
	return map[string]string{"VERSION": version}
}
