package db

import "fmt"

const (
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind INTEGER NOT NULL,
		local INTEGER NOT NULL DEFAULT 0,
		ap_id TEXT UNIQUE,
		username TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		inbox_uri TEXT NOT NULL DEFAULT '',
		shared_inbox_uri TEXT NOT NULL DEFAULT '',
		outbox_uri TEXT NOT NULL DEFAULT '',
		followers_uri TEXT NOT NULL DEFAULT '',
		wall_uri TEXT NOT NULL DEFAULT '',
		wall_comments_uri TEXT NOT NULL DEFAULT '',
		public_key_pem TEXT NOT NULL DEFAULT '',
		private_key_pem TEXT NOT NULL DEFAULT '',
		num_followers INTEGER NOT NULL DEFAULT 0,
		num_following INTEGER NOT NULL DEFAULT 0,
		num_friends INTEGER NOT NULL DEFAULT 0,
		num_pending_requests INTEGER NOT NULL DEFAULT 0,
		access INTEGER NOT NULL DEFAULT 0,
		is_event INTEGER NOT NULL DEFAULT 0,
		last_updated TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain)
	)`

	sqlCreateFollowingsTable = `CREATE TABLE IF NOT EXISTS followings (
		follower_id INTEGER NOT NULL,
		followee_id INTEGER NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 1,
		mutual INTEGER NOT NULL DEFAULT 0,
		muted INTEGER NOT NULL DEFAULT 0,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		hints_rank INTEGER NOT NULL DEFAULT 0,
		lists INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (follower_id, followee_id)
	)`

	sqlCreateFollowingsIndices = `
		CREATE INDEX IF NOT EXISTS idx_followings_followee ON followings(followee_id);
		CREATE INDEX IF NOT EXISTS idx_followings_rank ON followings(follower_id, hints_rank);
	`

	sqlCreateFriendRequestsTable = `CREATE TABLE IF NOT EXISTS friend_requests (
		from_id INTEGER NOT NULL,
		to_id INTEGER NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (from_id, to_id)
	)`

	sqlCreateFriendListsTable = `CREATE TABLE IF NOT EXISTS friend_lists (
		owner_id INTEGER NOT NULL,
		id INTEGER NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (owner_id, id)
	)`

	sqlCreateBlocksTable = `CREATE TABLE IF NOT EXISTS blocks (
		owner_id INTEGER NOT NULL,
		target_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (owner_id, target_id)
	)`

	sqlCreateGroupMembershipsTable = `CREATE TABLE IF NOT EXISTS group_memberships (
		group_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		accepted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (group_id, user_id)
	)`

	sqlCreateGroupInvitesTable = `CREATE TABLE IF NOT EXISTS group_invites (
		group_id INTEGER NOT NULL,
		invitee_id INTEGER NOT NULL,
		inviter_id INTEGER NOT NULL,
		ap_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (group_id, invitee_id)
	)`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ap_id TEXT UNIQUE,
		author_id INTEGER NOT NULL,
		owner_id INTEGER NOT NULL,
		parent_id INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		local INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNewsfeedTable = `CREATE TABLE IF NOT EXISTS newsfeed (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		object_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_id, type, object_id)
	)`

	sqlCreateNotificationsTable = `CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL,
		dedupe_key TEXT UNIQUE NOT NULL,
		type TEXT NOT NULL,
		actor_id INTEGER NOT NULL DEFAULT 0,
		object_id INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '',
		read INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotificationsIndices = `
		CREATE INDEX IF NOT EXISTS idx_notifications_owner ON notifications(owner_id, created_at);
	`

	sqlCreateDeliveryQueueTable = `CREATE TABLE IF NOT EXISTS delivery_queue (
		id TEXT NOT NULL PRIMARY KEY,
		sender_id INTEGER NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveryQueueIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_queue_next_retry ON delivery_queue(next_retry_at);
	`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		raw_json TEXT NOT NULL,
		processed INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateServerConfigTable = `CREATE TABLE IF NOT EXISTS server_config (
		key TEXT NOT NULL PRIMARY KEY,
		value TEXT NOT NULL
	)`
)

// RunMigrations creates every table and index that does not exist yet.
func (db *DB) RunMigrations() error {
	statements := []struct {
		name string
		sql  string
	}{
		{"actors", sqlCreateActorsTable},
		{"followings", sqlCreateFollowingsTable},
		{"followings indices", sqlCreateFollowingsIndices},
		{"friend_requests", sqlCreateFriendRequestsTable},
		{"friend_lists", sqlCreateFriendListsTable},
		{"blocks", sqlCreateBlocksTable},
		{"group_memberships", sqlCreateGroupMembershipsTable},
		{"group_invites", sqlCreateGroupInvitesTable},
		{"posts", sqlCreatePostsTable},
		{"newsfeed", sqlCreateNewsfeedTable},
		{"notifications", sqlCreateNotificationsTable},
		{"notifications indices", sqlCreateNotificationsIndices},
		{"delivery_queue", sqlCreateDeliveryQueueTable},
		{"delivery_queue indices", sqlCreateDeliveryQueueIndices},
		{"activities", sqlCreateActivitiesTable},
		{"server_config", sqlCreateServerConfigTable},
	}
	for _, s := range statements {
		if _, err := db.db.Exec(s.sql); err != nil {
			return fmt.Errorf("migration %s: %w", s.name, err)
		}
	}
	log.Debug("Database migrations completed")
	return nil
}
