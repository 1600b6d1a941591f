package sqlite

const schema = `
-- Annotation headers: one live row per logical id. Archived rows carry the
-- live id in annotation_id and active = 0.
CREATE TABLE IF NOT EXISTS annotations (
    id TEXT PRIMARY KEY,
    annotation_id TEXT,
    item_id TEXT NOT NULL,
    creator_id TEXT NOT NULL DEFAULT '',
    updated_id TEXT NOT NULL DEFAULT '',
    created DATETIME NOT NULL,
    updated DATETIME NOT NULL,
    version INTEGER NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    public INTEGER NOT NULL DEFAULT 0,
    public_flags TEXT NOT NULL DEFAULT '[]',
    access TEXT,
    name TEXT NOT NULL CHECK(length(name) > 0),
    description TEXT NOT NULL DEFAULT '',
    attributes TEXT NOT NULL DEFAULT '{}',
    groups TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_annotations_item ON annotations(item_id);
CREATE INDEX IF NOT EXISTS idx_annotations_live ON annotations(annotation_id);
CREATE INDEX IF NOT EXISTS idx_annotations_version ON annotations(version);
CREATE INDEX IF NOT EXISTS idx_annotations_active ON annotations(active, item_id);
CREATE INDEX IF NOT EXISTS idx_annotations_updated ON annotations(updated);

-- Element rows: one per (annotationId, version, element). Rows never migrate
-- across versions; they are inserted once and deleted when their version is
-- garbage collected.
CREATE TABLE IF NOT EXISTS elements (
    id TEXT NOT NULL,
    annotation_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    created DATETIME NOT NULL,
    lowx REAL NOT NULL,
    lowy REAL NOT NULL,
    lowz REAL NOT NULL,
    highx REAL NOT NULL,
    highy REAL NOT NULL,
    highz REAL NOT NULL,
    size REAL NOT NULL,
    details INTEGER NOT NULL CHECK(details >= 1),
    grp TEXT,
    element TEXT NOT NULL,
    PRIMARY KEY (annotation_id, version, id)
);

CREATE INDEX IF NOT EXISTS idx_elements_annotation ON elements(annotation_id);
CREATE INDEX IF NOT EXISTS idx_elements_version ON elements(version);
CREATE INDEX IF NOT EXISTS idx_elements_bbox ON elements(annotation_id, lowx ASC, highx DESC, size DESC);
CREATE INDEX IF NOT EXISTS idx_elements_size ON elements(annotation_id, size DESC);
CREATE INDEX IF NOT EXISTS idx_elements_group ON elements(annotation_id, version DESC, grp);
CREATE INDEX IF NOT EXISTS idx_elements_created ON elements(created ASC, version ASC);

-- Version sequence: a single sentinel row shared by all annotations.
CREATE TABLE IF NOT EXISTS version_sequence (
    annotation_id TEXT PRIMARY KEY,
    version INTEGER NOT NULL
);

-- Folders carry the access records annotations inherit.
CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    meta TEXT NOT NULL DEFAULT '{}',
    public INTEGER NOT NULL DEFAULT 0,
    access TEXT,
    created DATETIME NOT NULL
);

-- Image items annotations attach to.
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    folder_id TEXT NOT NULL,
    meta TEXT NOT NULL DEFAULT '{}',
    created DATETIME NOT NULL,
    FOREIGN KEY (folder_id) REFERENCES folders(id)
);

CREATE INDEX IF NOT EXISTS idx_items_folder ON items(folder_id);
CREATE INDEX IF NOT EXISTS idx_items_name ON items(name);
`
