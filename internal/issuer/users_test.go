package issuer

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/tyemirov/staysession/pkg/authclient"
	"golang.org/x/crypto/bcrypt"
)

func validRegistration() authclient.Registration {
	return authclient.Registration{
		Email:           "coordinadora@hospital.example",
		Password:        "planta-tres",
		PasswordConfirm: "planta-tres",
		Nombre:          "Elena",
		Apellido:        "Soto",
	}
}

func TestValidateRegistration(t *testing.T) {
	testCases := []struct {
		name     string
		mutate   func(registration *authclient.Registration)
		expected FieldErrors
	}{
		{name: "valid", mutate: func(*authclient.Registration) {}},
		{
			name:     "bad email",
			mutate:   func(registration *authclient.Registration) { registration.Email = "elena" },
			expected: FieldErrors{"email": {"Enter a valid email address."}},
		},
		{
			name: "short and mismatched password",
			mutate: func(registration *authclient.Registration) {
				registration.Password = "corta"
				registration.PasswordConfirm = "otra"
			},
			expected: FieldErrors{
				"password":         {"Ensure this field has at least 8 characters."},
				"password_confirm": {"Passwords do not match."},
			},
		},
		{
			name:     "unknown role",
			mutate:   func(registration *authclient.Registration) { registration.Rol = "celador" },
			expected: FieldErrors{"rol": {`"celador" is not a valid choice.`}},
		},
		{
			name: "missing names",
			mutate: func(registration *authclient.Registration) {
				registration.Nombre = " "
				registration.Apellido = ""
			},
			expected: FieldErrors{"nombre": {"This field is required."}, "apellido": {"This field is required."}},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			registration := validRegistration()
			testCase.mutate(&registration)
			problems := ValidateRegistration(registration)
			if testCase.expected == nil {
				if problems != nil {
					t.Fatalf("expected no problems, got %v", problems)
				}
				return
			}
			if !reflect.DeepEqual(problems, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, problems)
			}
		})
	}
}

func TestMemoryUserStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryUserStore(bcrypt.MinCost, nil)

	created, err := store.Create(ctx, validRegistration())
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Rol != RoleDefault || created.IsStaff {
		t.Fatalf("expected default role without staff flag, got %+v", created)
	}

	_, duplicateErr := store.Create(ctx, validRegistration())
	var problems FieldErrors
	if !errors.As(duplicateErr, &problems) || problems["email"][0] != "A user with this email already exists." {
		t.Fatalf("expected duplicate email error, got %v", duplicateErr)
	}

	authenticated, authErr := store.Authenticate(ctx, "Coordinadora@Hospital.example", "planta-tres")
	if authErr != nil || authenticated.ID != created.ID {
		t.Fatalf("expected case-insensitive authentication, got %v", authErr)
	}
	if _, wrongErr := store.Authenticate(ctx, created.Email, "otra-clave"); !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", wrongErr)
	}
	if _, unknownErr := store.Authenticate(ctx, "nadie@hospital.example", "x"); !errors.Is(unknownErr, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", unknownErr)
	}
	if _, missingErr := store.Get(ctx, "missing"); !errors.Is(missingErr, ErrUserNotFound) {
		t.Fatalf("expected not found, got %v", missingErr)
	}

	profile := created.Profile()
	if string(profile.ID) != created.ID || profile.FullName() != "Elena Soto" || profile.CreatedAt == nil {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestFieldErrorsMessageIsSorted(t *testing.T) {
	problems := FieldErrors{"password": {"b"}, "email": {"a", "c"}}
	if problems.Error() != "user_store.validation: email: a, c; password: b" {
		t.Fatalf("unexpected message %q", problems.Error())
	}
}
