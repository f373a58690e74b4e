// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package executors

// The stock language recipes.  Anything beyond these is registered by the
// embedding program through Registry.Register.

// C compiles with gcc in C11 mode
func C() (recipe *Recipe) {
	return &Recipe{
		Tag:          "c",
		Ext:          "c",
		Command:      "gcc",
		CommandPaths: []string{"gcc", "cc"},
		Compiled:     true,
		CompileArgs: func(command string, source string, executable string) []string {
			return []string{command, "-std=c11", "-O2", "-o", executable, source, "-lm"}
		},
		RunArgs: func(command string, executable string) []string {
			return []string{executable}
		},
		VersionFlags: []string{"--version", "-dumpversion"},
		TestProgram: `#include <stdio.h>
int main(void) {
    char buf[128];
    if (fgets(buf, sizeof buf, stdin)) fputs(buf, stdout);
    return 0;
}
`,
	}
}

// CPP compiles with g++ in C++17 mode
func CPP() (recipe *Recipe) {
	return &Recipe{
		Tag:          "cpp",
		Ext:          "cpp",
		Command:      "g++",
		CommandPaths: []string{"g++", "c++"},
		Compiled:     true,
		CompileArgs: func(command string, source string, executable string) []string {
			return []string{command, "-std=c++17", "-O2", "-o", executable, source}
		},
		RunArgs: func(command string, executable string) []string {
			return []string{executable}
		},
		VersionFlags: []string{"--version", "-dumpversion"},
		TestProgram: `#include <iostream>
#include <string>
int main() {
    std::string line;
    if (std::getline(std::cin, line)) std::cout << line << std::endl;
    return 0;
}
`,
	}
}

// Python3 runs the source directly under the python3 interpreter
func Python3() (recipe *Recipe) {
	return &Recipe{
		Tag:          "python3",
		Ext:          "py",
		Command:      "python3",
		CommandPaths: []string{"python3", "python"},
		RunArgs: func(command string, executable string) []string {
			return []string{command, executable}
		},
		VersionFlags:  []string{"--version", "-V"},
		UnbufferedEnv: []string{"PYTHONUNBUFFERED=1"},
		TestProgram:   "print(input())\n",
	}
}

// Sh runs the source as a POSIX shell script.  It carries no compiler
// dependency which also makes it the recipe the self test and test suite
// lean on.
func Sh() (recipe *Recipe) {
	return &Recipe{
		Tag:          "sh",
		Ext:          "sh",
		Command:      "sh",
		CommandPaths: []string{"/bin/sh", "sh"},
		RunArgs: func(command string, executable string) []string {
			return []string{command, executable}
		},
		VersionFlags: []string{"--version"},
		TestProgram:  "read line; echo \"$line\"\n",
	}
}

// Stock returns the recipes shipped with the judge in registration order
func Stock() (recipes []*Recipe) {
	return []*Recipe{C(), CPP(), Python3(), Sh()}
}
