package sessions

import "regexp"

// Account SIDs carry a revision, an authority, and exactly five
// subauthority groups (the domain machine triplet plus RID, or the cloud
// account equivalent). Well-known short SIDs like S-1-5-18 and non-SID keys
// like .DEFAULT or the *_Classes siblings never match.
var accountSIDPattern = regexp.MustCompile(`^S-\d-\d+-\d+-\d+-\d+-\d+-\d+$`)

// IsAccountSID reports whether a registry key name has the shape of a
// logged-on account's hive.
func IsAccountSID(name string) bool {
	return accountSIDPattern.MatchString(name)
}
