// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package remote

import (
	"fmt"
	"strings"

	"github.com/juju/utils/v4"
)

// WriteFileCommand renders a single-line shell command that writes the
// given content to a remote path. Framed commands must be one line, so
// newlines travel as printf %b escapes.
func WriteFileCommand(path, content string) string {
	escaped := strings.ReplaceAll(content, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	return fmt.Sprintf("printf '%%b\\n' %s > %s", utils.ShQuote(escaped), path)
}
