package hsm

import (
	"context"
	"fmt"
	"log/slog"
)

// object memoizes the metadata and content of one HSM object for the
// lifetime of a Store.
type object struct {
	session Session
	logger  *slog.Logger
	ref     ObjectRef

	info    *ObjectInfo
	content []byte
}

// Info returns the object metadata, querying the HSM on first use.
func (o *object) Info(ctx context.Context) (ObjectInfo, error) {
	if o.info == nil {
		o.logger.Debug("getting object info", "id", fmt.Sprintf("0x%x", uint16(o.ref.ID)))
		info, err := o.session.ObjectInfo(ctx, o.ref)
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("object info 0x%x: %w", uint16(o.ref.ID), err)
		}
		o.info = &info
	}
	return *o.info, nil
}

// Content returns the opaque content, querying the HSM on first use.
func (o *object) Content(ctx context.Context) ([]byte, error) {
	if o.ref.Type != TypeOpaque {
		return nil, fmt.Errorf("%w: 0x%x is %s", ErrWrongObjectType, uint16(o.ref.ID), o.ref.Type)
	}
	if o.content == nil {
		o.logger.Debug("getting object content", "id", fmt.Sprintf("0x%x", uint16(o.ref.ID)))
		content, err := o.session.GetOpaque(ctx, o.ref.ID)
		if err != nil {
			return nil, fmt.Errorf("get opaque 0x%x: %w", uint16(o.ref.ID), err)
		}
		o.content = content
	}
	return o.content, nil
}
