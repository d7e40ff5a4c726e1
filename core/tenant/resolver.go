package tenant

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Repository is the subset of storage the resolver needs.
type Repository interface {
	GetWorkspace(ctx context.Context, id string) (Workspace, error)
	GetChannelByPhone(ctx context.Context, displayPhone string) (Channel, error)
	UpsertContact(ctx context.Context, workspaceID, phone, name string) (Contact, error)
}

// Resolver maps inbound identifiers (channel display phone, contact phone)
// to the owning workspace. It is the only component allowed to look up rows
// without a pre-bound workspace.
type Resolver struct {
	repo Repository
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve binds an inbound (to, from) pair: the channel's display phone
// selects the workspace, the sender phone upserts the contact.
func (r *Resolver) Resolve(ctx context.Context, toPhone, fromPhone, profileName string) (Binding, error) {
	channel, err := r.repo.GetChannelByPhone(ctx, toPhone)
	if err != nil {
		return Binding{}, err
	}

	workspace, err := r.repo.GetWorkspace(ctx, channel.WorkspaceID)
	if err != nil {
		return Binding{}, err
	}

	contact, err := r.repo.UpsertContact(ctx, workspace.ID, fromPhone, profileName)
	if err != nil {
		return Binding{}, err
	}

	logrus.WithFields(logrus.Fields{
		"workspace_id": workspace.ID,
		"channel_id":   channel.ID,
	}).Debug("[TENANT] Resolved inbound binding")

	return Binding{Workspace: workspace, Channel: channel, Contact: contact}, nil
}
