package capture

// ShouldIgnore reports whether err is suppressed by configuration: either
// the runtime type of err, or of any cause beneath it, matches an ignored
// type name exactly, or the error message matches an ignore pattern.
// Ignored errors are never persisted and never count toward duplicate
// statistics.
func (s *Settings) ShouldIgnore(err error) bool {
	if err == nil {
		return false
	}

	for _, e := range causeChain(err) {
		if _, ok := s.ignoreTypes[TypeName(e)]; ok {
			return true
		}
	}
	return s.matchesIgnorePattern(err.Error())
}

// ShouldIgnoreReport is the filter for errors delivered over the wire,
// where only the reporter's type name and message are available.
func (s *Settings) ShouldIgnoreReport(typeName, message string) bool {
	if _, ok := s.ignoreTypes[typeName]; ok {
		return true
	}
	return s.matchesIgnorePattern(message)
}

func (s *Settings) matchesIgnorePattern(msg string) bool {
	for _, re := range s.ignorePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// causeChain flattens err and every nested cause, outermost first. Both
// single-cause wrapping (Unwrap() error) and joined errors
// (Unwrap() []error) are walked.
func causeChain(err error) []error {
	var chain []error
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		chain = append(chain, e)
		switch u := e.(type) {
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		case interface{ Unwrap() []error }:
			for _, c := range u.Unwrap() {
				walk(c)
			}
		}
	}
	walk(err)
	return chain
}

// baseError selects the error whose type, message and source go on the
// record. Standard-library wrappers (fmt.Errorf with %w, errors.Join)
// only add framing around the real failure, so they are unwrapped to the
// innermost cause; any other type is used as-is, even if it wraps
// something.
func baseError(err error) error {
	for {
		if !isStdWrapper(err) {
			return err
		}
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			inner := u.Unwrap()
			if inner == nil {
				return err
			}
			err = inner
		case interface{ Unwrap() []error }:
			inners := u.Unwrap()
			if len(inners) == 0 {
				return err
			}
			err = inners[0]
		default:
			return err
		}
	}
}

// isStdWrapper recognizes the unexported wrapper types the standard
// library produces.
func isStdWrapper(err error) bool {
	switch TypeName(err) {
	case "*fmt.wrapError", "*fmt.wrapErrors", "*errors.joinError":
		return true
	}
	return false
}
