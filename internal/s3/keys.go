package s3

import (
	"path"
	"strings"
	"time"
)

const (
	BackupsPrefix = "backups"
	LocksPrefix   = "locks"
	dumpSuffix    = ".dump"
)

// BackupObjectKey lays a backup out as backups/<target>/YYYY/MM/DD/<id>.dump<ext>.
// The date is taken in UTC.
func BackupObjectKey(target string, at time.Time, id, ext string) string {
	at = at.UTC()
	return path.Join(BackupsPrefix, target, at.Format("2006"), at.Format("01"), at.Format("02"), id+dumpSuffix+ext)
}

func LockKey(name string) string {
	return path.Join(LocksPrefix, name+".lock")
}

// ParseBackupKey splits a relative backup key. ok is false for anything
// outside the backups layout.
func ParseBackupKey(relativeKey string) (target, id, ext string, ok bool) {
	relativeKey = strings.Trim(relativeKey, "/")
	parts := strings.Split(relativeKey, "/")
	if len(parts) != 6 || parts[0] != BackupsPrefix || parts[1] == "" {
		return "", "", "", false
	}
	name := parts[5]
	i := strings.Index(name, dumpSuffix)
	if i <= 0 {
		return "", "", "", false
	}
	return parts[1], name[:i], name[i+len(dumpSuffix):], true
}

func BackupsPrefixForTarget(target string) string {
	return path.Join(BackupsPrefix, target) + "/"
}

// Relative strips the client prefix from a full key.
func (c *Client) Relative(key string) string {
	if c.prefix == "" {
		return strings.TrimPrefix(key, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, c.prefix), "/")
}
