package storage

// WriteBlob stores an externalized payload and returns its path.
func WriteBlob(layout Layout, blobID string, payload map[string]any) (string, error) {
	path := layout.BlobPath(blobID)
	if err := WriteJSONAtomic(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

// ReadBlob loads an externalized payload. The boolean reports existence.
func ReadBlob(layout Layout, blobID string) (map[string]any, bool, error) {
	var payload map[string]any
	exists, err := ReadJSON(layout.BlobPath(blobID), &payload)
	if err != nil {
		return nil, exists, err
	}
	return payload, exists, nil
}
