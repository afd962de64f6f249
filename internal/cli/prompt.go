package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// promptString prints label and returns the trimmed answer.
// EOF with a partial line returns that line.
func promptString(reader *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptRaw is promptString without trimming inner content; only the line
// terminator is dropped so messages keep their spacing.
func promptRaw(reader *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func promptUint(reader *bufio.Reader, out io.Writer, label string) (uint64, error) {
	v, err := promptString(reader, out, label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, NewCLIError(fmt.Sprintf("invalid number %q", v), "Enter a positive whole number", err)
	}
	return n, nil
}

func promptChance(reader *bufio.Reader, out io.Writer, label string) (int, error) {
	v, err := promptString(reader, out, label)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, NewCLIError(fmt.Sprintf("invalid number %q", v), "Enter a whole number from 0 to 100", err)
	}
	if n < 0 || n > 100 {
		return 0, NewCLIError(fmt.Sprintf("chance %d out of range", n), "Enter a whole number from 0 to 100", nil)
	}
	return n, nil
}

// jsonFiles lists *.json files in dir, sorted by name.
func jsonFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// promptFile shows the JSON files in the working directory and asks for one.
func (a *App) promptFile(label string) (string, error) {
	files, err := jsonFiles(a.workDir)
	if err == nil {
		if len(files) == 0 {
			fmt.Fprintln(a.out, "No .json files in the current directory.")
		} else {
			fmt.Fprintln(a.out, "JSON files in the current directory:")
			for _, f := range files {
				fmt.Fprintf(a.out, "  %s\n", f)
			}
		}
	}
	name, err := promptString(a.in, a.out, label)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", NewCLIError("no file name given", "Enter a file name like channels.json", nil)
	}
	return a.resolve(name), nil
}

func (a *App) resolve(name string) string {
	if filepath.IsAbs(name) || a.workDir == "" {
		return name
	}
	return filepath.Join(a.workDir, name)
}
