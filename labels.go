package particlescope

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Labels maps class indexes returned by the inference server to names
type Labels []string

// LoadLabels reads class names from the given text file.  It should contain
// one label per line.
func LoadLabels(file string) (Labels, error) {

	// open the file
	f, err := os.Open(file)

	if err != nil {
		return nil, errors.Wrap(err, "error opening file")
	}

	defer f.Close()

	// create a scanner to read the file.
	scanner := bufio.NewScanner(f)

	var labels Labels

	// read and trim each line
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}

		labels = append(labels, line)
	}

	// check for errors during scanning
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading file")
	}

	return labels, nil
}

// Name returns the label of a class index, unknown classes are named by
// their index
func (l Labels) Name(class int) string {

	if class >= 0 && class < len(l) {
		return l[class]
	}

	return fmt.Sprintf("class %d", class)
}
