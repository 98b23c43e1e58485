package models

import "encoding/json"

// ResourceLimits bounds the child's memory and stack, in megabytes.
type ResourceLimits struct {
	MaxOldGenerationSizeMb   float64 `json:"maxOldGenerationSizeMb,omitempty"`
	MaxYoungGenerationSizeMb float64 `json:"maxYoungGenerationSizeMb,omitempty"`
	CodeRangeSizeMb          float64 `json:"codeRangeSizeMb,omitempty"`
	StackSizeMb              float64 `json:"stackSizeMb,omitempty"`
}

// SpawnOptions is the opaque options blob forwarded to the child host. Keys the
// dispatch layer does not recognize survive a round trip through Extra so newer
// hosts can consume them.
type SpawnOptions struct {
	Argv           []string        `json:"-"`
	Env            map[string]string `json:"-"`
	ExecArgv       []string        `json:"-"`
	WorkerData     json.RawMessage `json:"-"`
	TransferList   json.RawMessage `json:"-"`
	Stdin          bool            `json:"-"`
	ResourceLimits *ResourceLimits `json:"-"`

	// Extra holds keys not recognized above, forwarded verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

func (o SpawnOptions) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(o.Extra)+7)
	for k, v := range o.Extra {
		m[k] = v
	}
	set := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = raw
		return nil
	}
	if len(o.Argv) > 0 {
		if err := set("argv", o.Argv); err != nil {
			return nil, err
		}
	}
	if len(o.Env) > 0 {
		if err := set("env", o.Env); err != nil {
			return nil, err
		}
	}
	if len(o.ExecArgv) > 0 {
		if err := set("execArgv", o.ExecArgv); err != nil {
			return nil, err
		}
	}
	if len(o.WorkerData) > 0 {
		m["workerData"] = o.WorkerData
	}
	if len(o.TransferList) > 0 {
		m["transferList"] = o.TransferList
	}
	if o.Stdin {
		if err := set("stdin", true); err != nil {
			return nil, err
		}
	}
	if o.ResourceLimits != nil {
		if err := set("resourceLimits", o.ResourceLimits); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

func (o *SpawnOptions) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*o = SpawnOptions{}
	for key, raw := range m {
		var err error
		switch key {
		case "argv":
			err = json.Unmarshal(raw, &o.Argv)
		case "env":
			err = json.Unmarshal(raw, &o.Env)
		case "execArgv":
			err = json.Unmarshal(raw, &o.ExecArgv)
		case "workerData":
			o.WorkerData = raw
		case "transferList":
			o.TransferList = raw
		case "stdin":
			err = json.Unmarshal(raw, &o.Stdin)
		case "resourceLimits":
			o.ResourceLimits = &ResourceLimits{}
			err = json.Unmarshal(raw, o.ResourceLimits)
		default:
			if o.Extra == nil {
				o.Extra = make(map[string]json.RawMessage)
			}
			o.Extra[key] = raw
		}
		if err != nil {
			return err
		}
	}
	return nil
}
