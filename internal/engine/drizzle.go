package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
)

// patchDrizzle points each drizzle data file at the Bayer split source of
// its frame instead of the debayered image. Failures are warnings.
func (s *Session) patchDrizzle(ctx context.Context, st *runState, group string, regs []RegisteredOutput, splitFor map[string]string) {
	for _, r := range regs {
		if r.DrizzlePath == "" {
			continue
		}
		split, ok := splitFor[r.Source]
		if !ok {
			continue
		}
		var changed bool
		var err error
		if p, ok := s.svc.Registrar.(DrizzlePatcher); ok {
			changed, err = p.PatchDrizzle(ctx, r.DrizzlePath, r.Source, split)
		} else {
			changed, err = PatchDrizzleFile(r.DrizzlePath, r.Source, split)
		}
		switch {
		case err != nil:
			s.warn(st, "drizzle", group, fmt.Sprintf("could not patch drizzle data %s: %v", r.DrizzlePath, err))
		case !changed:
			s.warn(st, "drizzle", group, fmt.Sprintf("drizzle data %s does not reference %s; left unchanged", r.DrizzlePath, r.Source))
		}
	}
}

// PatchDrizzleFile replaces every occurrence of from with to in the drizzle
// data file at path. It reports false, without writing, when from does not
// occur.
func PatchDrizzleFile(path, from, to string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	if !bytes.Contains(data, []byte(from)) {
		return false, nil
	}
	st, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	patched := bytes.ReplaceAll(data, []byte(from), []byte(to))
	if err := os.WriteFile(path, patched, st.Mode().Perm()); err != nil {
		return false, err
	}
	return true, nil
}
