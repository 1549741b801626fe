package redisq

// DefaultPrefix namespaces every key when ConnConfig.Prefix is empty.
const DefaultPrefix = "jobflow"

// keys builds the Redis key names for one queue: {prefix}:{queue}:...
type keys struct{ base string }

func newKeys(prefix, queue string) keys {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return keys{base: prefix + ":" + queue}
}

// job is the Hash holding one job: {base}:job:{id}
func (k keys) job(id string) string { return k.base + ":job:" + id }

// wait is the List of ready job IDs (LPUSH in, RPOP out).
func (k keys) wait() string { return k.base + ":wait" }

// active is the List of job IDs held by consumers.
func (k keys) active() string { return k.base + ":active" }

// delayed is the Sorted Set of job IDs scored by due time (unix ms).
func (k keys) delayed() string { return k.base + ":delayed" }

// completed and failed are capped Lists, newest first.
func (k keys) completed() string { return k.base + ":completed" }
func (k keys) failed() string    { return k.base + ":failed" }

// rules is the Hash of recurrence rule records keyed by rule key.
func (k keys) rules() string { return k.base + ":rules" }

// rulesNext is the Sorted Set of rule keys scored by next fire time (unix ms).
func (k keys) rulesNext() string { return k.base + ":rules:next" }

// meta is the Hash holding queue-level settings such as default job options.
func (k keys) meta() string { return k.base + ":meta" }
