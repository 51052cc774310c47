package devconf

import "strings"

// RosettaTag is both the sentinel share entry and the tag it is mounted under.
const RosettaTag = "rosetta"

// Share access modes.
const (
	ModeReadOnly  = "ro"
	ModeReadWrite = "rw"
)

// Share is one parsed directory share.
type Share struct {
	// Rosetta marks the Rosetta runtime share. Dir and ReadOnly are unused.
	Rosetta  bool
	Tag      string
	Dir      string
	ReadOnly bool
}

// ParseShareConfig parses entries of the form
//
//	rosetta | tag:dir:ro | tag:dir:rw
//
// joined by '+'. Tags must be unique. An empty spec yields no shares.
func ParseShareConfig(spec string) ([]Share, error) {
	if spec == "" {
		return nil, nil
	}

	var shares []Share
	tags := make(map[string]struct{})
	for _, entry := range strings.Split(spec, EntrySeparator) {
		share, err := parseShareEntry(entry)
		if err != nil {
			return nil, err
		}
		if _, dup := tags[share.Tag]; dup {
			if share.Rosetta {
				return nil, configErr(entry, "rosetta share given more than once")
			}
			return nil, configErr(entry, "duplicate share tag %q", share.Tag)
		}
		tags[share.Tag] = struct{}{}
		shares = append(shares, share)
	}
	return shares, nil
}

func parseShareEntry(entry string) (Share, error) {
	if entry == "" {
		return Share{}, configErr(entry, "empty share entry")
	}
	if entry == RosettaTag {
		return Share{Rosetta: true, Tag: RosettaTag}, nil
	}

	fields := strings.Split(entry, ":")
	if len(fields) != 3 {
		return Share{}, configErr(entry, "want tag:dir:ro|rw, got %d fields", len(fields))
	}
	tag, dir, mode := fields[0], fields[1], fields[2]
	if tag == "" {
		return Share{}, configErr(entry, "empty share tag")
	}
	if dir == "" {
		return Share{}, configErr(entry, "empty share directory")
	}

	switch mode {
	case ModeReadOnly:
		return Share{Tag: tag, Dir: dir, ReadOnly: true}, nil
	case ModeReadWrite:
		return Share{Tag: tag, Dir: dir}, nil
	default:
		return Share{}, configErr(entry, "access mode must be %s or %s, got %q", ModeReadOnly, ModeReadWrite, mode)
	}
}

// String renders s in the syntax accepted by ParseShareConfig.
func (s Share) String() string {
	if s.Rosetta {
		return RosettaTag
	}
	mode := ModeReadWrite
	if s.ReadOnly {
		mode = ModeReadOnly
	}
	return s.Tag + ":" + s.Dir + ":" + mode
}

// FormatShareConfig is the inverse of ParseShareConfig.
func FormatShareConfig(shares []Share) string {
	parts := make([]string, len(shares))
	for i, s := range shares {
		parts[i] = s.String()
	}
	return strings.Join(parts, EntrySeparator)
}
