package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSample = `package main

import (
	"fmt"
	"os"
	lg "log/slog"
)

type Animal interface {
	Speak() string
}

type Dog struct {
	Animal
	name string
}

func (d *Dog) Speak() string {
	return fmt.Sprintf("%s says woof", d.name)
}

func main() {
	d := &Dog{name: "rex"}
	fmt.Println(d.Speak())
}
`

func TestAnalyzeGo(t *testing.T) {
	fa, err := Analyze("main.go", []byte(goSample))
	require.NoError(t, err)
	assert.Equal(t, "go", fa.Language)

	var names []string
	for _, f := range fa.Functions {
		names = append(names, f.QualifiedName())
	}
	assert.Equal(t, []string{"Dog.Speak", "main"}, names)

	require.Len(t, fa.Classes, 2)
	assert.Equal(t, "Animal", fa.Classes[0].Name)
	assert.Equal(t, "Dog", fa.Classes[1].Name)
	assert.Contains(t, fa.Classes[1].Bases, "Animal")

	require.Len(t, fa.Imports, 3)
	assert.Equal(t, "fmt", fa.Imports[0].Path)
	assert.Equal(t, "lg", fa.Imports[2].Alias)
}

func TestUnusedImportsGo(t *testing.T) {
	fa, err := Analyze("main.go", []byte(goSample))
	require.NoError(t, err)

	unused := fa.UnusedImports()
	require.Len(t, unused, 2, "os and the lg alias are never referenced")

	paths := []string{unused[0].Path, unused[1].Path}
	assert.Contains(t, paths, "os")
	assert.Contains(t, paths, "log/slog")
}

const pySample = `import os
import numpy as np
from collections import OrderedDict, defaultdict

class Shape:
    def area(self):
        return 0

class Circle(Shape):
    def __init__(self, r):
        self.r = r

    def area(self):
        return 3.14 * self.r * self.r

def describe(shape):
    d = defaultdict(list)
    print(os.getcwd(), shape.area(), d)
`

func TestAnalyzePython(t *testing.T) {
	fa, err := Analyze("shapes.py", []byte(pySample))
	require.NoError(t, err)
	assert.Equal(t, "python", fa.Language)

	var names []string
	for _, f := range fa.Functions {
		names = append(names, f.QualifiedName())
	}
	assert.Equal(t, []string{"Shape.area", "Circle.__init__", "Circle.area", "describe"}, names)

	require.Len(t, fa.Classes, 2)
	assert.Equal(t, "Shape", fa.Classes[0].Name)
	assert.Empty(t, fa.Classes[0].Bases)
	assert.Equal(t, "Circle", fa.Classes[1].Name)
	assert.Equal(t, []string{"Shape"}, fa.Classes[1].Bases)
}

func TestUnusedImportsPython(t *testing.T) {
	fa, err := Analyze("shapes.py", []byte(pySample))
	require.NoError(t, err)

	unused := fa.UnusedImports()
	// numpy is unused; OrderedDict is an unused from-import name but the
	// statement also binds defaultdict, which is used.
	require.Len(t, unused, 1)
	assert.Equal(t, "numpy", unused[0].Path)
	assert.Equal(t, "np", unused[0].Alias)
}

const tsSample = `import fs from "fs";
import { join, basename } from "path";
import * as util from "util";
import "./side-effects";

export class Logger {
    log(msg: string): void {
        console.log(join("/tmp", basename(msg)));
    }
}

export class FileLogger extends Logger {
    write(msg: string): void {
        fs.appendFileSync("/tmp/log", msg);
    }
}

const format = (msg: string) => msg.trim();

function main(): void {
    new FileLogger().write(format("hello"));
}
`

func TestAnalyzeTypeScript(t *testing.T) {
	fa, err := Analyze("logger.ts", []byte(tsSample))
	require.NoError(t, err)
	assert.Equal(t, "typescript", fa.Language)

	var names []string
	for _, f := range fa.Functions {
		names = append(names, f.QualifiedName())
	}
	assert.Equal(t, []string{"Logger.log", "FileLogger.write", "format", "main"}, names)

	require.Len(t, fa.Classes, 2)
	assert.Equal(t, []string{"Logger"}, fa.Classes[1].Bases)

	unused := fa.UnusedImports()
	require.Len(t, unused, 1, "only the util namespace import is unused")
	assert.Equal(t, "util", unused[0].Path)
}

func TestEnclosingFunction(t *testing.T) {
	fa, err := Analyze("shapes.py", []byte(pySample))
	require.NoError(t, err)

	f := fa.EnclosingFunction(13) // inside Circle.area
	require.NotNil(t, f)
	assert.Equal(t, "Circle.area", f.QualifiedName())

	assert.Nil(t, fa.EnclosingFunction(2), "import lines are not inside a function")
}

func TestSnippet(t *testing.T) {
	fa, err := Analyze("main.go", []byte(goSample))
	require.NoError(t, err)

	snippet, ok := fa.Snippet("Dog.Speak")
	require.True(t, ok)
	assert.Contains(t, snippet, "func (d *Dog) Speak() string")
	assert.Contains(t, snippet, "woof")

	snippet, ok = fa.Snippet("Dog")
	require.True(t, ok)
	assert.Contains(t, snippet, "name string")

	_, ok = fa.Snippet("nope")
	assert.False(t, ok)
}

func TestAnalyzeUnsupported(t *testing.T) {
	_, err := Analyze("style.css", []byte("body {}"))
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}
