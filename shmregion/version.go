package shmregion

import (
	"github.com/Masterminds/semver/v3"

	"github.com/go-ipsm/ipsm/internal/ipsmerrors"
)

// formatVersionWidth is the fixed width the region header reserves for a
// stamped semver string, e.g. "1.4.2". Chosen generously for a dotted
// triple plus pre-release tag while keeping the header's layout static.
const formatVersionWidth = 24

// DefaultFormatVersion is stamped by CreateAsPrimary and OpenBoth's
// primary branch when Options.FormatVersion is left empty.
const DefaultFormatVersion = "1.0.0"

// checkFormatVersionCompatible decides whether a secondary attaching with
// wantVersion may use a region a primary stamped with gotVersion. Same
// major version is required; the attacher's minor version must not
// exceed the primary's, the same rule a dependency resolver applies when
// deciding whether an already-resolved package version still satisfies a
// new constraint. The caret constraint ^wantVersion is checked as well, so
// gotVersion must also be at least wantVersion: with equal minor versions,
// the attacher's patch level must not exceed the primary's either. A
// version mismatch can never be resolved by waiting, so
// it is reported as ipsmerrors.ErrIncompatible rather than retried.
func checkFormatVersionCompatible(wantVersion, gotVersion string) error {
	want, err := semver.NewVersion(wantVersion)
	if err != nil {
		return ipsmerrors.ErrInvalidArgument
	}

	got, err := semver.NewVersion(gotVersion)
	if err != nil {
		return ipsmerrors.ErrIncompatible
	}

	// caret constraint rooted at the attacher's own version: same major,
	// and got >= want.
	constraint, err := semver.NewConstraint("^" + want.String())
	if err != nil {
		return ipsmerrors.ErrInvalidArgument
	}

	if got.Major() != want.Major() || got.Minor() < want.Minor() {
		return ipsmerrors.ErrIncompatible
	}

	if !constraint.Check(got) {
		return ipsmerrors.ErrIncompatible
	}

	return nil
}

func encodeFormatVersion(v string) [formatVersionWidth]byte {
	var buf [formatVersionWidth]byte

	copy(buf[:], v)

	return buf
}

func decodeFormatVersion(buf [formatVersionWidth]byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}

	return string(buf[:n])
}
