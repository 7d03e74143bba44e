package retention

import "fmt"

// Key prefixes for the five record families in the retention index (C2).
// See spec.md §4.2.
const (
	prefixMediaRef      = "mref:"
	prefixMediaEventRef = "mer:"
	prefixDeletionQueue = "qdel:"
	prefixPendingUpload = "pending:"
	prefixUserPrefs     = "prefs:"
)

func mediaRefKey(mxc string) []byte {
	return []byte(prefixMediaRef + mxc)
}

func mediaEventRefKey(eventID string, kind ReferenceKind) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixMediaEventRef, eventID, kind))
}

func mediaEventRefScanPrefix(eventID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixMediaEventRef, eventID))
}

func deletionQueueKey(mxc string) []byte {
	return []byte(prefixDeletionQueue + mxc)
}

func pendingUploadKey(userID string, uploadTS int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixPendingUpload, userID, uploadTS))
}

func pendingUploadScanPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPendingUpload, userID))
}

func userPrefsKey(userID string) []byte {
	return []byte(prefixUserPrefs + userID)
}
