package sqlite

// The persistent tables match the conversation cache file format. The
// blacklist is a TEMP table: it belongs to the connection, not the file.
const createSchema = `
CREATE TABLE IF NOT EXISTS string_pool (
    id INTEGER PRIMARY KEY,
    string TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS context (
    id INTEGER PRIMARY KEY,
    prompt INTEGER  NOT NULL,       -- what was said to the LLM
    images INTEGER NOT NULL,        -- string of list of images
    reply INTEGER NOT NULL,         -- reply from the LLM
    context INTEGER,
    FOREIGN KEY (prompt)        REFERENCES string_pool(id),
    FOREIGN KEY (images)        REFERENCES string_pool(id),
    FOREIGN KEY (reply)         REFERENCES string_pool(id),
    FOREIGN KEY (context)       REFERENCES context(id)
);
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY,
    system INTEGER,
    context INTEGER,
    parameters INTEGER NOT NULL,
    FOREIGN KEY (system)        REFERENCES string_pool(id),
    FOREIGN KEY (context)       REFERENCES context(id),
    FOREIGN KEY (parameters)    REFERENCES string_pool(id)
);
CREATE INDEX IF NOT EXISTS string_index ON string_pool(string);
CREATE INDEX IF NOT EXISTS context_prompt_index ON context(prompt);
CREATE INDEX IF NOT EXISTS context_images_index ON context(images);
CREATE INDEX IF NOT EXISTS context_reply_index ON context(reply);
CREATE INDEX IF NOT EXISTS context_context_index ON context(context);
CREATE INDEX IF NOT EXISTS interactions_system_index ON interactions(system);
CREATE INDEX IF NOT EXISTS interactions_context_index ON interactions(context);
CREATE INDEX IF NOT EXISTS interactions_parameters_index ON interactions(parameters);
`

const createBlacklist = `
CREATE TEMP TABLE IF NOT EXISTS blacklist (
    id INTEGER PRIMARY KEY
);
`
